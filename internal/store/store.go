package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for cpmbandit.
type Store interface {
	// Campaigns
	ListCampaigns(ctx context.Context) ([]CampaignRecord, error)
	GetCampaign(ctx context.Context, advertID string) (*CampaignRecord, error)
	UpsertCampaign(ctx context.Context, c CampaignRecord) error
	DeleteCampaign(ctx context.Context, advertID string) error

	// Optimizer state (opaque JSON owned by the campaign package)
	SaveCampaignState(ctx context.Context, advertID string, state []byte) error
	LoadCampaignState(ctx context.Context, advertID string) ([]byte, error)

	// Step log (one row per optimization cycle)
	LogStep(ctx context.Context, entry StepLog) error
	MarkStepApplied(ctx context.Context, stepID string, applied bool, errorClass string) error
	ListStepLogs(ctx context.Context, advertID string, limit int, offset int) ([]StepLog, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// CampaignRecord is the persisted form of a campaign definition. Spec holds
// the JSON-encoded campaign spec.
type CampaignRecord struct {
	AdvertID  string    `json:"advert_id"`
	Spec      []byte    `json:"spec"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepLog captures one select/reward cycle of a campaign.
type StepLog struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	StepID      string    `json:"step_id"`
	AdvertID    string    `json:"advert_id"`
	Arm         string    `json:"arm"`
	RewardedArm string    `json:"rewarded_arm,omitempty"`
	PreviousCPM float64   `json:"previous_cpm"`
	NewCPM      float64   `json:"new_cpm"`
	RawReward   float64   `json:"raw_reward"`
	Reward      float64   `json:"reward"`
	TotalPulls  int       `json:"total_pulls"`
	Fallback    bool      `json:"fallback"`
	Applied     bool      `json:"applied"`
	ErrorClass  string    `json:"error_class,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
}

// AuditEntry captures an admin mutation for audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`              // e.g. "campaign.register", "arms.update", "vault.unlock"
	Resource  string    `json:"resource"`            // e.g. advert ID
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}
