package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/cpmbandit/internal/campaign"
)

// CampaignsListHandler handles GET /v1/campaigns
func CampaignsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"campaigns": d.Manager.List()})
	}
}

// CampaignsCreateHandler handles POST /v1/campaigns
func CampaignsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec campaign.Spec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Manager.Register(r.Context(), spec); err != nil {
			campaignError(w, err)
			return
		}
		audit(d, r, "campaign.register", spec.AdvertID, "")
		info, _ := d.Manager.Get(spec.AdvertID)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(info)
	}
}

// CampaignGetHandler handles GET /v1/campaigns/{id}
func CampaignGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		info, err := d.Manager.Get(id)
		if err != nil {
			campaignError(w, err)
			return
		}
		stats, _ := d.Manager.ArmStats(id)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"campaign":  info,
			"arm_stats": stats,
		})
	}
}

// CampaignReplaceHandler handles PUT /v1/campaigns/{id}. Learned counters
// survive the replacement.
func CampaignReplaceHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var spec campaign.Spec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if spec.AdvertID == "" {
			spec.AdvertID = id
		}
		if spec.AdvertID != id {
			jsonError(w, "advert_id does not match path", http.StatusBadRequest)
			return
		}
		if err := d.Manager.Replace(r.Context(), spec); err != nil {
			campaignError(w, err)
			return
		}
		audit(d, r, "campaign.replace", id, "")
		info, _ := d.Manager.Get(id)
		_ = json.NewEncoder(w).Encode(info)
	}
}

// CampaignDeleteHandler handles DELETE /v1/campaigns/{id}. A scheduled
// workflow is terminated first.
func CampaignDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := d.Manager.Get(id); err != nil {
			campaignError(w, err)
			return
		}
		if d.Scheduler != nil {
			if err := d.Scheduler.UnscheduleCampaign(r.Context(), id); err != nil {
				d.logger().Debug("unschedule on delete", slog.String("advert_id", id), slog.String("error", err.Error()))
			}
		}
		if err := d.Manager.Remove(r.Context(), id); err != nil {
			campaignError(w, err)
			return
		}
		audit(d, r, "campaign.delete", id, "")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

// StepHandler handles POST /v1/campaigns/{id}/step. The body carries the
// metrics of the period that just ended; the response is the decision.
// With ?apply=true the new bid is also pushed to the marketplace.
func StepHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var in campaign.StepInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if in.AdvertID != "" && in.AdvertID != id {
			jsonError(w, "advert_id does not match path", http.StatusBadRequest)
			return
		}
		if in.CurrentCPM < 0 {
			jsonError(w, "current_cpm must be >= 0", http.StatusBadRequest)
			return
		}
		in.AdvertID = id
		in.RequestID = middleware.GetReqID(r.Context())

		dec, err := d.Manager.Step(r.Context(), in)
		if err != nil {
			campaignError(w, err)
			return
		}

		resp := map[string]any{"decision": dec}
		if r.URL.Query().Get("apply") == "true" {
			if d.Applier == nil {
				jsonError(w, "bid applier not configured", http.StatusServiceUnavailable)
				return
			}
			applyErr := d.Applier.ApplyBid(r.Context(), id, dec.NewCPM, dec.Arm)
			d.Manager.RecordApply(r.Context(), dec, applyErr)
			resp["applied"] = applyErr == nil
			if applyErr != nil {
				resp["error"] = applyErr.Error()
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// ArmsGetHandler handles GET /v1/campaigns/{id}/arms
func ArmsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		arms, err := d.Manager.Arms(id)
		if err != nil {
			campaignError(w, err)
			return
		}
		stats, _ := d.Manager.ArmStats(id)
		_ = json.NewEncoder(w).Encode(map[string]any{"arms": arms, "stats": stats})
	}
}

// ArmsUpdateHandler handles PUT /v1/campaigns/{id}/arms with {"arms": [...]}.
// An empty list restores the default arm set.
func ArmsUpdateHandler(d Dependencies) http.HandlerFunc {
	type armsReq struct {
		Arms []string `json:"arms"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req armsReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Manager.UpdateArms(r.Context(), id, req.Arms); err != nil {
			campaignError(w, err)
			return
		}
		arms, _ := d.Manager.Arms(id)
		audit(d, r, "arms.update", id, strings.Join(arms, ","))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "arms": arms})
	}
}

// ScheduleHandler handles POST /v1/campaigns/{id}/schedule with an optional
// {"cron": "..."} body.
func ScheduleHandler(d Dependencies) http.HandlerFunc {
	type scheduleReq struct {
		Cron string `json:"cron"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Scheduler == nil {
			jsonError(w, "temporal not enabled", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := d.Manager.Get(id); err != nil {
			campaignError(w, err)
			return
		}
		var req scheduleReq
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				jsonError(w, "bad json", http.StatusBadRequest)
				return
			}
		}
		runID, err := d.Scheduler.ScheduleCampaign(r.Context(), id, req.Cron)
		if err != nil {
			jsonError(w, "schedule failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		audit(d, r, "campaign.schedule", id, fmt.Sprintf(`{"cron":%q}`, req.Cron))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "run_id": runID})
	}
}

// UnscheduleHandler handles DELETE /v1/campaigns/{id}/schedule
func UnscheduleHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Scheduler == nil {
			jsonError(w, "temporal not enabled", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Scheduler.UnscheduleCampaign(r.Context(), id); err != nil {
			jsonError(w, "unschedule failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		audit(d, r, "campaign.unschedule", id, "")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

// StepLogsHandler handles GET /v1/steps?advert_id=...&limit=N&offset=N
func StepLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"steps": []any{}})
			return
		}
		limit, offset := parsePagination(r, 100)
		steps, err := d.Store.ListStepLogs(r.Context(), r.URL.Query().Get("advert_id"), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"steps": steps})
	}
}
