package temporal

import (
	"github.com/jordanhubbard/cpmbandit/internal/campaign"
)

// OptimizeInput is the input for the OptimizeCampaignWorkflow.
type OptimizeInput struct {
	AdvertID  string `json:"advert_id"`
	RequestID string `json:"request_id,omitempty"`
}

// OptimizeOutput is the output of the OptimizeCampaignWorkflow.
type OptimizeOutput struct {
	Decision  campaign.Decision `json:"decision"`
	Applied   bool              `json:"applied"`
	LatencyMs int64             `json:"latency_ms"`
	Error     string            `json:"error,omitempty"`
}

// FetchInput is the input for the FetchSnapshot activity.
type FetchInput struct {
	AdvertID  string `json:"advert_id"`
	RequestID string `json:"request_id,omitempty"`
}

// StepInput is the input for the Step activity. The request ID travels
// separately because campaign.StepInput does not serialize it.
type StepInput struct {
	Input     campaign.StepInput `json:"input"`
	RequestID string             `json:"request_id,omitempty"`
}

// ApplyInput is the input for the ApplyBid activity.
type ApplyInput struct {
	Decision campaign.Decision `json:"decision"`
}

// CycleInput is the input for the RecordCycle activity.
type CycleInput struct {
	AdvertID  string `json:"advert_id"`
	LatencyMs int64  `json:"latency_ms"`
}
