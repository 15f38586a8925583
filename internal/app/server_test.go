package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jordanhubbard/cpmbandit/internal/logging"
)

func TestLoadConfigDefaults(t *testing.T) {
	// Unset all CPMBANDIT_ env vars to ensure defaults are used.
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "CPMBANDIT_") {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":8090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8090")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBDSN != "file:/data/cpmbandit.sqlite" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file:/data/cpmbandit.sqlite")
	}
	if cfg.VaultEnabled != true {
		t.Errorf("VaultEnabled = %v, want true", cfg.VaultEnabled)
	}
	if cfg.MarketplaceRPS != 5 {
		t.Errorf("MarketplaceRPS = %f, want 5", cfg.MarketplaceRPS)
	}
	if cfg.BreakerThreshold != 5 || cfg.BreakerCooldownSecs != 60 {
		t.Errorf("breaker = %d/%ds, want 5/60s", cfg.BreakerThreshold, cfg.BreakerCooldownSecs)
	}
	if cfg.LoopIntervalSecs != 3600 {
		t.Errorf("LoopIntervalSecs = %d, want 3600", cfg.LoopIntervalSecs)
	}
	if cfg.TemporalCron != "0 * * * *" {
		t.Errorf("TemporalCron = %q, want hourly", cfg.TemporalCron)
	}
	if cfg.TSDBRetentionDays != 30 {
		t.Errorf("TSDBRetentionDays = %d, want 30", cfg.TSDBRetentionDays)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CPMBANDIT_LISTEN_ADDR", ":9090")
	t.Setenv("CPMBANDIT_LOG_LEVEL", "debug")
	t.Setenv("CPMBANDIT_LOG_FORMAT", "text")
	t.Setenv("CPMBANDIT_DB_DSN", "file::memory:")
	t.Setenv("CPMBANDIT_VAULT_ENABLED", "false")
	t.Setenv("CPMBANDIT_MARKETPLACE_URL", "http://marketplace.local")
	t.Setenv("CPMBANDIT_MARKETPLACE_RPS", "2.5")
	t.Setenv("CPMBANDIT_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CPMBANDIT_TEMPORAL_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Errorf("log = %q/%q, want debug/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.VaultEnabled != false {
		t.Errorf("VaultEnabled = %v, want false", cfg.VaultEnabled)
	}
	if cfg.MarketplaceURL != "http://marketplace.local" {
		t.Errorf("MarketplaceURL = %q", cfg.MarketplaceURL)
	}
	if cfg.MarketplaceRPS != 2.5 {
		t.Errorf("MarketplaceRPS = %f, want 2.5", cfg.MarketplaceRPS)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if !cfg.TemporalEnabled {
		t.Error("TemporalEnabled = false, want true")
	}
}

func TestLoadConfigInvalidEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv("CPMBANDIT_VAULT_ENABLED", "notabool")
	t.Setenv("CPMBANDIT_LOOP_INTERVAL_SECS", "notanint")
	t.Setenv("CPMBANDIT_MARKETPLACE_RPS", "notafloat")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.VaultEnabled != true {
		t.Errorf("VaultEnabled = %v, want true (default on invalid input)", cfg.VaultEnabled)
	}
	if cfg.LoopIntervalSecs != 3600 {
		t.Errorf("LoopIntervalSecs = %d, want 3600 (default on invalid input)", cfg.LoopIntervalSecs)
	}
	if cfg.MarketplaceRPS != 5 {
		t.Errorf("MarketplaceRPS = %f, want 5 (default on invalid input)", cfg.MarketplaceRPS)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"rate limit", func(c *Config) { c.RateLimitRPS = 0 }, "CPMBANDIT_RATE_LIMIT_RPS"},
		{"burst", func(c *Config) { c.RateLimitBurst = -1 }, "CPMBANDIT_RATE_LIMIT_BURST"},
		{"marketplace rps", func(c *Config) { c.MarketplaceRPS = 0 }, "CPMBANDIT_MARKETPLACE_RPS"},
		{"breaker threshold", func(c *Config) { c.BreakerThreshold = 0 }, "CPMBANDIT_BREAKER_THRESHOLD"},
		{"breaker cooldown", func(c *Config) { c.BreakerCooldownSecs = 0 }, "CPMBANDIT_BREAKER_COOLDOWN_SECS"},
		{"loop interval", func(c *Config) { c.LoopIntervalSecs = 0 }, "CPMBANDIT_LOOP_INTERVAL_SECS"},
		{"retention", func(c *Config) { c.TSDBRetentionDays = 0 }, "CPMBANDIT_TSDB_RETENTION_DAYS"},
		{"sample ratio", func(c *Config) { c.OTelSampleRatio = 1.5 }, "CPMBANDIT_OTEL_SAMPLE_RATIO"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "CPMBANDIT_LOG_FORMAT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newTestConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tc.want)
			}
		})
	}
	if err := newTestConfig().Validate(); err != nil {
		t.Errorf("test config should be valid: %v", err)
	}
}

func newTestConfig() Config {
	return Config{
		ListenAddr:             ":0",
		LogLevel:               "error",
		LogFormat:              "json",
		DBDSN:                  ":memory:",
		VaultEnabled:           false,
		MarketplaceRPS:         50,
		MarketplaceTimeoutSecs: 5,
		BreakerThreshold:       5,
		BreakerCooldownSecs:    60,
		LoopIntervalSecs:       3600,
		StepTimeoutSecs:        5,
		IdempotencyTTLSecs:     60,
		TSDBRetentionDays:      30,
		AdminToken:             "test-token",
		RateLimitRPS:           60,
		RateLimitBurst:         120,
		OTelSampleRatio:        1,
	}
}

func writeCampaignsFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campaigns.yml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCampaignsFile(t *testing.T) {
	path := writeCampaignsFile(t, `
campaigns:
  - advert_id: "1001"
    reward_metric: roi_orders
    initial_cpm: 150
    max_cpm_change: 30
    arms: ["-10%", "0%", "10%", "reset"]
    reward_penalty_thresholds:
      cpa: 2
  - advert_id: 2002
    reward_metric: ctr
`)
	specs, err := LoadCampaignsFile(path)
	if err != nil {
		t.Fatalf("LoadCampaignsFile() error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 campaigns, got %d", len(specs))
	}
	first := specs[0]
	if first.AdvertID != "1001" || first.RewardMetric != "roi_orders" {
		t.Errorf("unexpected first spec %+v", first)
	}
	if first.InitialCPM == nil || *first.InitialCPM != 150 {
		t.Errorf("InitialCPM = %v, want 150", first.InitialCPM)
	}
	if len(first.Arms) != 4 || first.RewardPenaltyThresholds["cpa"] != 2 {
		t.Errorf("arms/thresholds not decoded: %+v", first)
	}
	if specs[1].AdvertID != "2002" {
		t.Errorf("numeric advert_id should decode as string, got %q", specs[1].AdvertID)
	}
}

func TestLoadCampaignsFileRejects(t *testing.T) {
	tests := map[string]string{
		"invalid arm": `
campaigns:
  - advert_id: "1001"
    arms: ["sideways"]
`,
		"duplicate": `
campaigns:
  - advert_id: "1001"
  - advert_id: "1001"
`,
		"missing id": `
campaigns:
  - reward_metric: ctr
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadCampaignsFile(writeCampaignsFile(t, body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if _, err := LoadCampaignsFile(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(newTestConfig())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /v1/campaigns = %d, want 401", rec.Code)
	}
}

func TestNewServerRegistersCampaignsFile(t *testing.T) {
	cfg := newTestConfig()
	cfg.CampaignsFile = writeCampaignsFile(t, `
campaigns:
  - advert_id: "1001"
    reward_metric: ctr
`)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if ids := srv.Manager().IDs(); len(ids) != 1 || ids[0] != "1001" {
		t.Errorf("IDs() = %v, want [1001]", ids)
	}
}

func TestNewServerRejectsBadCampaignsFile(t *testing.T) {
	cfg := newTestConfig()
	cfg.CampaignsFile = writeCampaignsFile(t, "campaigns:\n  - advert_id: \"\"\n")
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected NewServer to fail on an invalid campaigns file")
	}
}

func TestNewServerTemporalRequiresMarketplace(t *testing.T) {
	cfg := newTestConfig()
	cfg.TemporalEnabled = true
	_, err := NewServer(cfg)
	if err == nil || !strings.Contains(err.Error(), "CPMBANDIT_MARKETPLACE_URL") {
		t.Fatalf("expected marketplace requirement error, got %v", err)
	}
}

func TestServerMarketplaceToken(t *testing.T) {
	cfg := newTestConfig()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if _, err := srv.marketplaceToken(context.Background()); err == nil {
		t.Error("expected an error without any token configured")
	}

	srv.cfg.MarketplaceToken = "env-token"
	tok, err := srv.marketplaceToken(context.Background())
	if err != nil || tok != "env-token" {
		t.Errorf("marketplaceToken() = %q, %v; want env-token", tok, err)
	}
}

func TestServerVaultUnlockedFromConfig(t *testing.T) {
	cfg := newTestConfig()
	cfg.VaultEnabled = true
	cfg.VaultPassword = "correct-horse-battery"
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.vault.IsLocked() {
		t.Fatal("vault should be unlocked with the configured password")
	}
	if err := srv.vault.Set("marketplace_token", "vault-token"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	srv.cfg.MarketplaceToken = "env-token"
	tok, err := srv.marketplaceToken(context.Background())
	if err != nil || tok != "vault-token" {
		t.Errorf("marketplaceToken() = %q, %v; vault entry should win", tok, err)
	}

	salt, _, err := srv.store.LoadVaultBlob(context.Background())
	if err != nil || len(salt) == 0 {
		t.Errorf("vault salt should be persisted after first unlock, err=%v", err)
	}
}

// fakeMarketplace serves the stats and bid endpoints.
func fakeMarketplace(t *testing.T, bids *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer env-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/stats"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"views": 1000, "clicks": 12, "sum": 100, "current_cpm": 100,
			})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cpm"):
			bids.Add(1)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestServerLoopDrivesCampaigns(t *testing.T) {
	var bids atomic.Int32
	mp := fakeMarketplace(t, &bids)
	defer mp.Close()

	cfg := newTestConfig()
	cfg.MarketplaceURL = mp.URL
	cfg.MarketplaceToken = "env-token"
	cfg.LoopIntervalSecs = 1
	cfg.CampaignsFile = writeCampaignsFile(t, `
campaigns:
  - advert_id: "1001"
    reward_metric: ctr
`)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	deadline := time.Now().Add(5 * time.Second)
	for bids.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if bids.Load() == 0 {
		t.Fatal("expected the loop to apply at least one bid")
	}

	info, err := srv.Manager().Get("1001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.TotalPulls < 1 {
		t.Errorf("TotalPulls = %d, want >= 1", info.TotalPulls)
	}
}

func TestServerReload(t *testing.T) {
	cfg := newTestConfig()
	cfg.CampaignsFile = writeCampaignsFile(t, `
campaigns:
  - advert_id: "1001"
`)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	newCfg := cfg
	newCfg.LogLevel = "debug"
	newCfg.CampaignsFile = writeCampaignsFile(t, `
campaigns:
  - advert_id: "1001"
    reward_metric: ctr
  - advert_id: "2002"
`)
	srv.Reload(newCfg)

	if srv.cfg.LogLevel != "debug" || logging.Level() != "debug" {
		t.Errorf("after Reload LogLevel = %q (global %q), want debug", srv.cfg.LogLevel, logging.Level())
	}
	if ids := srv.Manager().IDs(); len(ids) != 2 {
		t.Errorf("after Reload IDs() = %v, want 2 campaigns", ids)
	}
	info, err := srv.Manager().Get("1001")
	if err != nil || info.Spec.RewardMetric != "ctr" {
		t.Errorf("campaign 1001 should be replaced from the file, got %+v err=%v", info.Spec, err)
	}
	logging.SetLevel("error")
}
