package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string // "json" or "text"

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // optional: unlock the vault at startup

	// Marketplace advertising API.
	MarketplaceURL         string
	MarketplaceToken       string // used when the vault holds no token
	MarketplaceRPS         float64
	MarketplaceTimeoutSecs int
	BreakerThreshold       int // consecutive marketplace outages before failing fast
	BreakerCooldownSecs    int
	CampaignsFile          string // optional YAML campaign definitions
	LoopIntervalSecs       int    // in-process cycle interval when Temporal is off
	StepTimeoutSecs        int
	IdempotencyTTLSecs     int
	TSDBRetentionDays      int

	// Security & hardening.
	AdminToken     string   // bearer token for /v1; generated when empty
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
	TemporalCron      string

	// OpenTelemetry tracing.
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelSampleRatio float64
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("CPMBANDIT_LISTEN_ADDR", ":8090"),
		LogLevel:   getEnv("CPMBANDIT_LOG_LEVEL", "info"),
		LogFormat:  getEnv("CPMBANDIT_LOG_FORMAT", "json"),
		DBDSN:      getEnv("CPMBANDIT_DB_DSN", "file:/data/cpmbandit.sqlite"),

		VaultEnabled:  getEnvBool("CPMBANDIT_VAULT_ENABLED", true),
		VaultPassword: getEnv("CPMBANDIT_VAULT_PASSWORD", ""),

		MarketplaceURL:         getEnv("CPMBANDIT_MARKETPLACE_URL", ""),
		MarketplaceToken:       getEnv("CPMBANDIT_MARKETPLACE_TOKEN", ""),
		MarketplaceRPS:         getEnvFloat("CPMBANDIT_MARKETPLACE_RPS", 5),
		MarketplaceTimeoutSecs: getEnvInt("CPMBANDIT_MARKETPLACE_TIMEOUT_SECS", 30),
		BreakerThreshold:       getEnvInt("CPMBANDIT_BREAKER_THRESHOLD", 5),
		BreakerCooldownSecs:    getEnvInt("CPMBANDIT_BREAKER_COOLDOWN_SECS", 60),
		CampaignsFile:          getEnv("CPMBANDIT_CAMPAIGNS_FILE", ""),
		LoopIntervalSecs:       getEnvInt("CPMBANDIT_LOOP_INTERVAL_SECS", 3600),
		StepTimeoutSecs:        getEnvInt("CPMBANDIT_STEP_TIMEOUT_SECS", 30),
		IdempotencyTTLSecs:     getEnvInt("CPMBANDIT_IDEMPOTENCY_TTL_SECS", 86400),
		TSDBRetentionDays:      getEnvInt("CPMBANDIT_TSDB_RETENTION_DAYS", 30),

		AdminToken:     getEnv("CPMBANDIT_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("CPMBANDIT_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("CPMBANDIT_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("CPMBANDIT_RATE_LIMIT_BURST", 120),

		TemporalEnabled:   getEnvBool("CPMBANDIT_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("CPMBANDIT_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("CPMBANDIT_TEMPORAL_NAMESPACE", "cpmbandit"),
		TemporalTaskQueue: getEnv("CPMBANDIT_TEMPORAL_TASK_QUEUE", "cpmbandit-tasks"),
		TemporalCron:      getEnv("CPMBANDIT_TEMPORAL_CRON", "0 * * * *"),

		OTelEnabled:     getEnvBool("CPMBANDIT_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("CPMBANDIT_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("CPMBANDIT_OTEL_SERVICE_NAME", "cpmbandit"),
		OTelSampleRatio: getEnvFloat("CPMBANDIT_OTEL_SAMPLE_RATIO", 1),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("CPMBANDIT_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("CPMBANDIT_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.MarketplaceRPS <= 0 {
		return fmt.Errorf("CPMBANDIT_MARKETPLACE_RPS must be > 0, got %f", c.MarketplaceRPS)
	}
	if c.MarketplaceTimeoutSecs <= 0 {
		return fmt.Errorf("CPMBANDIT_MARKETPLACE_TIMEOUT_SECS must be > 0, got %d", c.MarketplaceTimeoutSecs)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("CPMBANDIT_BREAKER_THRESHOLD must be > 0, got %d", c.BreakerThreshold)
	}
	if c.BreakerCooldownSecs <= 0 {
		return fmt.Errorf("CPMBANDIT_BREAKER_COOLDOWN_SECS must be > 0, got %d", c.BreakerCooldownSecs)
	}
	if c.LoopIntervalSecs <= 0 {
		return fmt.Errorf("CPMBANDIT_LOOP_INTERVAL_SECS must be > 0, got %d", c.LoopIntervalSecs)
	}
	if c.StepTimeoutSecs <= 0 {
		return fmt.Errorf("CPMBANDIT_STEP_TIMEOUT_SECS must be > 0, got %d", c.StepTimeoutSecs)
	}
	if c.TSDBRetentionDays < 1 {
		return fmt.Errorf("CPMBANDIT_TSDB_RETENTION_DAYS must be >= 1, got %d", c.TSDBRetentionDays)
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("CPMBANDIT_OTEL_SAMPLE_RATIO must be within [0, 1], got %f", c.OTelSampleRatio)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("CPMBANDIT_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
