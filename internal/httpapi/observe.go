package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/cpmbandit/internal/bandit"
	"github.com/jordanhubbard/cpmbandit/internal/campaign"
	"github.com/jordanhubbard/cpmbandit/internal/store"
)

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("store operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

// campaignError maps campaign and bandit errors onto HTTP status codes.
func campaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, campaign.ErrCampaignExists):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, campaign.ErrInvalidSpec):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, bandit.ErrNoArms):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

// audit records an admin mutation; a nil store is a no-op.
func audit(d Dependencies, r *http.Request, action, resource, detail string) {
	if d.Store == nil {
		return
	}
	warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
	}))
}
