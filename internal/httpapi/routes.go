package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/sdk/client"

	"github.com/jordanhubbard/cpmbandit/internal/campaign"
	"github.com/jordanhubbard/cpmbandit/internal/circuitbreaker"
	"github.com/jordanhubbard/cpmbandit/internal/events"
	"github.com/jordanhubbard/cpmbandit/internal/idempotency"
	"github.com/jordanhubbard/cpmbandit/internal/metrics"
	"github.com/jordanhubbard/cpmbandit/internal/ratelimit"
	"github.com/jordanhubbard/cpmbandit/internal/store"
	"github.com/jordanhubbard/cpmbandit/internal/tsdb"
	"github.com/jordanhubbard/cpmbandit/internal/vault"
)

// Scheduler starts and stops the recurring optimization of a campaign.
type Scheduler interface {
	ScheduleCampaign(ctx context.Context, advertID, cron string) (string, error)
	UnscheduleCampaign(ctx context.Context, advertID string) error
}

type Dependencies struct {
	Manager  *campaign.Manager
	Vault    *vault.Vault
	Metrics  *metrics.Registry
	Store    store.Store
	EventBus *events.Bus
	TSDB     *tsdb.Store

	// Applier pushes bids for POST /campaigns/{id}/step?apply=true (nil
	// disables applying from the API).
	Applier campaign.BidApplier

	// Scheduler and TemporalClient are nil when Temporal is disabled.
	Scheduler      Scheduler
	TemporalClient client.Client

	AdminToken  *AdminTokenHolder
	RateLimiter *ratelimit.Limiter
	Idempotency *idempotency.Cache

	Logger *slog.Logger
}

// breakerReporter is implemented by appliers guarded by an outage breaker.
type breakerReporter interface {
	BreakerState() circuitbreaker.State
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		campaigns := len(d.Manager.IDs())
		locked := d.Vault != nil && d.Vault.IsLocked()
		resp := map[string]any{
			"status":       "ok",
			"campaigns":    campaigns,
			"vault_locked": locked,
		}
		// An open breaker is reported but does not fail the probe.
		if br, ok := d.Applier.(breakerReporter); ok {
			state := br.BreakerState()
			resp["marketplace_breaker"] = state.String()
			if state != circuitbreaker.Closed {
				resp["status"] = "degraded"
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.AdminToken != nil {
			r.Use(AdminAuth(d.AdminToken))
		}

		r.Get("/campaigns", CampaignsListHandler(d))
		r.Post("/campaigns", CampaignsCreateHandler(d))
		r.Get("/campaigns/{id}", CampaignGetHandler(d))
		r.Put("/campaigns/{id}", CampaignReplaceHandler(d))
		r.Delete("/campaigns/{id}", CampaignDeleteHandler(d))
		r.Get("/campaigns/{id}/arms", ArmsGetHandler(d))
		r.Put("/campaigns/{id}/arms", ArmsUpdateHandler(d))
		r.Post("/campaigns/{id}/schedule", ScheduleHandler(d))
		r.Delete("/campaigns/{id}/schedule", UnscheduleHandler(d))
		r.Group(func(r chi.Router) {
			if d.Idempotency != nil {
				r.Use(idempotency.Middleware(d.Idempotency))
			}
			r.Post("/campaigns/{id}/step", StepHandler(d))
		})

		r.Get("/steps", StepLogsHandler(d))
		r.Get("/audit", AuditLogsHandler(d))

		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Put("/vault/marketplace-token", MarketplaceTokenHandler(d))

		r.Get("/workflows", WorkflowsListHandler(d))
		r.Get("/workflows/{id}", WorkflowDescribeHandler(d))

		r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
		r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))
		r.Post("/tsdb/prune", TSDBPruneHandler(d.TSDB))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
