package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/cpmbandit/internal/campaign"
	"github.com/jordanhubbard/cpmbandit/internal/circuitbreaker"
	"github.com/jordanhubbard/cpmbandit/internal/events"
	"github.com/jordanhubbard/cpmbandit/internal/httpapi"
	"github.com/jordanhubbard/cpmbandit/internal/idempotency"
	"github.com/jordanhubbard/cpmbandit/internal/logging"
	"github.com/jordanhubbard/cpmbandit/internal/marketplace"
	"github.com/jordanhubbard/cpmbandit/internal/metrics"
	"github.com/jordanhubbard/cpmbandit/internal/ratelimit"
	"github.com/jordanhubbard/cpmbandit/internal/store"
	"github.com/jordanhubbard/cpmbandit/internal/temporal"
	"github.com/jordanhubbard/cpmbandit/internal/tracing"
	"github.com/jordanhubbard/cpmbandit/internal/tsdb"
	"github.com/jordanhubbard/cpmbandit/internal/vault"
)

const tsdbPruneInterval = time.Hour

type Server struct {
	cfg Config

	r *chi.Mux

	vault    *vault.Vault
	store    store.Store
	tsdb     *tsdb.Store
	manager  *campaign.Manager
	market   *marketplace.Client
	temporal *temporal.Manager
	idem     *idempotency.Cache
	logger   *slog.Logger

	stopLoop      func()
	stopPrune     func()
	shutdownTrace func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	shutdownTrace, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	// Open store.
	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	s := &Server{
		cfg:           cfg,
		r:             r,
		vault:         v,
		store:         db,
		logger:        logger,
		shutdownTrace: shutdownTrace,
	}

	s.restoreVault(ctx)

	ts, err := tsdb.New(db.DB(), logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tsdb: %w", err)
	}
	ts.SetRetention(time.Duration(cfg.TSDBRetentionDays) * 24 * time.Hour)
	s.tsdb = ts
	s.stopPrune = ts.StartPruneLoop(tsdbPruneInterval)

	m := metrics.New()
	bus := events.NewBus()
	s.manager = campaign.NewManager(logger,
		campaign.WithStore(db),
		campaign.WithMetrics(m),
		campaign.WithEventBus(bus),
		campaign.WithTSDB(ts),
	)
	n, err := s.manager.LoadFromStore(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	logger.Info("campaigns restored", slog.Int("campaigns", n))

	if cfg.CampaignsFile != "" {
		specs, err := LoadCampaignsFile(cfg.CampaignsFile)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := syncCampaigns(ctx, s.manager, specs, logger); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	var applier campaign.BidApplier
	if cfg.MarketplaceURL != "" {
		s.market = marketplace.New(cfg.MarketplaceURL, s.marketplaceToken,
			marketplace.WithRateLimit(cfg.MarketplaceRPS, 1),
			marketplace.WithTimeout(time.Duration(cfg.MarketplaceTimeoutSecs)*time.Second),
			marketplace.WithBreaker(cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownSecs)*time.Second,
				func(from, to circuitbreaker.State) {
					m.BreakerState.Set(float64(to))
					logger.Warn("marketplace circuit breaker state change",
						slog.String("from", from.String()),
						slog.String("to", to.String()),
					)
				}),
		)
		applier = s.market
		logger.Info("marketplace client configured", slog.String("base_url", cfg.MarketplaceURL))
	}

	var scheduler httpapi.Scheduler
	switch {
	case cfg.TemporalEnabled && s.market == nil:
		_ = s.Close()
		return nil, errors.New("CPMBANDIT_TEMPORAL_ENABLED requires CPMBANDIT_MARKETPLACE_URL")
	case cfg.TemporalEnabled:
		tm, err := temporal.New(temporal.Config{
			HostPort:     cfg.TemporalHostPort,
			Namespace:    cfg.TemporalNamespace,
			TaskQueue:    cfg.TemporalTaskQueue,
			CronSchedule: cfg.TemporalCron,
		}, &temporal.Activities{
			Manager:  s.manager,
			Source:   s.market,
			Applier:  s.market,
			EventBus: bus,
		}, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := tm.Start(); err != nil {
			tm.Stop()
			_ = s.Close()
			return nil, fmt.Errorf("temporal worker: %w", err)
		}
		s.temporal = tm
		scheduler = tm
		for _, id := range s.manager.IDs() {
			if _, err := tm.ScheduleCampaign(ctx, id, ""); err != nil {
				logger.Warn("schedule campaign failed", slog.String("advert_id", id), slog.String("error", err.Error()))
			}
		}
	case s.market != nil:
		s.stopLoop = campaign.StartLoop(campaign.LoopConfig{
			Interval:    time.Duration(cfg.LoopIntervalSecs) * time.Second,
			StepTimeout: time.Duration(cfg.StepTimeoutSecs) * time.Second,
		}, s.manager, s.market, s.market, logger)
	default:
		logger.Info("no marketplace configured; campaigns step only through the API")
	}

	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBDSN, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.idem = idempotency.New(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, 10000)

	deps := httpapi.Dependencies{
		Manager:     s.manager,
		Vault:       v,
		Metrics:     m,
		Store:       db,
		EventBus:    bus,
		TSDB:        ts,
		Applier:     applier,
		Scheduler:   scheduler,
		AdminToken:  adminToken,
		RateLimiter: ratelimit.New(float64(cfg.RateLimitRPS), cfg.RateLimitBurst, ratelimit.WithCounter(m.RateLimited)),
		Idempotency: s.idem,
		Logger:      logger,
	}
	if s.temporal != nil {
		deps.TemporalClient = s.temporal.Client()
	}
	httpapi.MountRoutes(r, deps)

	return s, nil
}

// restoreVault imports the persisted vault blob and, when a password is
// configured, unlocks it.
func (s *Server) restoreVault(ctx context.Context) {
	salt, data, err := s.store.LoadVaultBlob(ctx)
	if err != nil {
		s.logger.Warn("load vault blob failed", slog.String("error", err.Error()))
		return
	}
	if len(salt) > 0 {
		if err := s.vault.Import(salt, data); err != nil {
			s.logger.Warn("import vault blob failed", slog.String("error", err.Error()))
			return
		}
	}
	if s.cfg.VaultPassword == "" || !s.vault.Enabled() {
		return
	}
	if err := s.vault.Unlock([]byte(s.cfg.VaultPassword)); err != nil {
		s.logger.Warn("vault unlock at startup failed", slog.String("error", err.Error()))
		return
	}
	if len(salt) == 0 {
		salt, data = s.vault.Export()
		if err := s.store.SaveVaultBlob(ctx, salt, data); err != nil {
			s.logger.Warn("save vault blob failed", slog.String("error", err.Error()))
		}
	}
}

// marketplaceToken prefers the vault entry and falls back to the
// configured token.
func (s *Server) marketplaceToken(_ context.Context) (string, error) {
	if s.vault.Enabled() {
		tok, err := s.vault.Get(vault.MarketplaceTokenKey)
		if err == nil {
			return tok, nil
		}
		if s.cfg.MarketplaceToken == "" {
			return "", fmt.Errorf("marketplace token: %w", err)
		}
	}
	if s.cfg.MarketplaceToken == "" {
		return "", errors.New("marketplace token not configured")
	}
	return s.cfg.MarketplaceToken, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Manager exposes the campaign registry.
func (s *Server) Manager() *campaign.Manager { return s.manager }

// Reload applies a new configuration without restarting: the log level
// and the campaigns file.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.cfg.LogLevel = cfg.LogLevel

	if cfg.CampaignsFile == "" {
		return
	}
	specs, err := LoadCampaignsFile(cfg.CampaignsFile)
	if err != nil {
		s.logger.Error("campaigns reload failed", slog.String("error", err.Error()))
		return
	}
	if err := syncCampaigns(context.Background(), s.manager, specs, s.logger); err != nil {
		s.logger.Error("campaigns reload failed", slog.String("error", err.Error()))
		return
	}
	s.cfg.CampaignsFile = cfg.CampaignsFile
}

func (s *Server) Close() error {
	if s.stopLoop != nil {
		s.stopLoop()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.stopPrune != nil {
		s.stopPrune()
	}
	if s.tsdb != nil {
		s.tsdb.Flush()
	}
	if s.idem != nil {
		s.idem.Stop()
	}
	if s.shutdownTrace != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
