// Package bandit implements the UCB bid controller: a per-campaign
// configuration, a reward calculator that turns period metrics into a scalar,
// and a policy that picks the next CPM adjustment ("arm").
//
// Nothing in this package locks or performs I/O. Each campaign owns its own
// Config, Policy and RewardCalculator; callers serialize access.
package bandit

import (
	"fmt"
	"log/slog"
	"math"
)

// Special arms.
const (
	ArmDouble = "double"
	ArmReset  = "reset"
	ArmNoop   = "0%"
)

// Penalty threshold keys.
const (
	ThresholdCPA        = "cpa"
	ThresholdOrdersATBS = "orders_atbs"
	ThresholdCRToCart   = "cr_to_cart"
	ThresholdCRToOrder  = "cr_to_order"
)

// Normalization methods accepted by the reward calculator.
const (
	NormalizeMinMax = "minmax"
	NormalizeExp    = "exp"
	NormalizeNone   = "none"
)

const (
	defaultExplorationFactor    = 2.0
	defaultExplorationDecayRate = 0.01
	defaultMinPullsToPrune      = 3
	defaultCPMStepSize          = 5.0
	defaultPeriodMaxHours       = 24.0

	// roi_weighted with the fallback weights always scores 0, so it is not
	// the default.
	defaultRewardMetric = MetricROIOrders
)

// DefaultPenaltyThresholds returns the trigger ratios used when a campaign
// does not override them. Conversion thresholds are in percent.
func DefaultPenaltyThresholds() map[string]float64 {
	return map[string]float64{
		ThresholdCPA:        1.5,
		ThresholdOrdersATBS: 0.1,
		ThresholdCRToCart:   1.0,
		ThresholdCRToOrder:  0.1,
	}
}

// DefaultArms returns the standard action set: -50%..+50% in 5% steps,
// then "double" and "reset".
func DefaultArms() []string {
	arms := make([]string, 0, 23)
	for i := -50; i <= 50; i += 5 {
		arms = append(arms, fmt.Sprintf("%d%%", i))
	}
	return append(arms, ArmDouble, ArmReset)
}

// DefaultInitialArms returns the warm-start subset: -10%..+10% in 5% steps.
// The explicit "0%" the range already contains is not repeated.
func DefaultInitialArms() []string {
	arms := make([]string, 0, 5)
	for i := -10; i <= 10; i += 5 {
		arms = append(arms, fmt.Sprintf("%d%%", i))
	}
	return dedupe(append(arms, ArmNoop))
}

// Options are the constructor arguments of a Config. Zero values select the
// documented defaults, except for the pointer knobs, where only nil does.
type Options struct {
	AdvertID     string
	RewardMetric Metric

	DailyBudget  float64
	MaxCPMChange float64
	TargetCPA    float64

	// Pointer knobs keep an explicit zero (or false) through defaulting. A
	// zero CPMStepSize disables snapping.
	ExplorationFactor    *float64
	ExplorationDecayRate *float64
	AdaptiveExploration  *bool
	MinPullsToPrune      int

	MinCPMAbsolute float64
	MaxCPMAbsolute float64
	CPMStepSize    *float64

	CostPrice      float64
	MarketplaceFee float64
	WarehouseCost  float64
	Stocks         float64
	MinBid         *float64
	PeriodMaxHours float64

	NormalizationMethod     string
	RewardPenaltyThresholds map[string]float64
	CompositeMetricWeights  map[string]float64
}

// Config is the validated, per-campaign parameter set. Only Arms changes
// after construction (through Policy.UpdateArms).
type Config struct {
	AdvertID     string `json:"advert_id"`
	RewardMetric Metric `json:"reward_metric"`

	Arms        []string `json:"arms"`
	InitialArms []string `json:"initial_arms"`

	DailyBudget  float64 `json:"daily_budget"`
	MaxCPMChange float64 `json:"max_cpm_change"`
	TargetCPA    float64 `json:"target_cpa"`

	ExplorationFactor    float64 `json:"exploration_factor"`
	ExplorationDecayRate float64 `json:"exploration_decay_rate"`
	AdaptiveExploration  bool    `json:"adaptive_exploration"`
	MinPullsToPrune      int     `json:"min_pulls_to_prune"`

	MinCPMAbsolute float64 `json:"min_cpm_absolute"`
	MaxCPMAbsolute float64 `json:"max_cpm_absolute"`
	CPMStepSize    float64 `json:"cpm_step_size"`

	CostPrice      float64  `json:"cost_price"`
	MarketplaceFee float64  `json:"marketplace_fee"`
	WarehouseCost  float64  `json:"warehouse_cost"`
	Stocks         float64  `json:"stocks"`
	MinBid         *float64 `json:"min_bid,omitempty"`
	PeriodMaxHours float64  `json:"period_max_hours"`

	NormalizationMethod     string             `json:"normalization_method"`
	RewardPenaltyThresholds map[string]float64 `json:"reward_penalty_thresholds"`
	CompositeMetricWeights  map[Metric]float64 `json:"composite_metric_weights"`
}

// NewConfig validates opts and derives the arm sets. Invalid composite
// weight keys and negative min bids are dropped with a warning; construction
// never fails.
func NewConfig(opts Options, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("advert_id", opts.AdvertID))

	c := &Config{
		AdvertID:             opts.AdvertID,
		RewardMetric:         opts.RewardMetric,
		Arms:                 DefaultArms(),
		InitialArms:          DefaultInitialArms(),
		DailyBudget:          opts.DailyBudget,
		MaxCPMChange:         opts.MaxCPMChange,
		TargetCPA:            opts.TargetCPA,
		ExplorationFactor:    derefOr(opts.ExplorationFactor, defaultExplorationFactor),
		ExplorationDecayRate: derefOr(opts.ExplorationDecayRate, defaultExplorationDecayRate),
		AdaptiveExploration:  true,
		MinPullsToPrune:      opts.MinPullsToPrune,
		MinCPMAbsolute:       opts.MinCPMAbsolute,
		MaxCPMAbsolute:       opts.MaxCPMAbsolute,
		CPMStepSize:          derefOr(opts.CPMStepSize, defaultCPMStepSize),
		CostPrice:            opts.CostPrice,
		MarketplaceFee:       opts.MarketplaceFee,
		WarehouseCost:        opts.WarehouseCost,
		Stocks:               opts.Stocks,
		PeriodMaxHours:       orDefault(opts.PeriodMaxHours, defaultPeriodMaxHours),
		NormalizationMethod:  opts.NormalizationMethod,
	}
	if opts.AdaptiveExploration != nil {
		c.AdaptiveExploration = *opts.AdaptiveExploration
	}
	if c.MinPullsToPrune <= 0 {
		c.MinPullsToPrune = defaultMinPullsToPrune
	}
	if c.NormalizationMethod == "" {
		c.NormalizationMethod = NormalizeMinMax
	}

	if c.RewardMetric == "" {
		c.RewardMetric = defaultRewardMetric
	} else if !c.RewardMetric.Valid() {
		logger.Warn("unknown reward metric, using default", slog.String("metric", string(c.RewardMetric)),
			slog.String("default", string(defaultRewardMetric)))
		c.RewardMetric = defaultRewardMetric
	}

	if opts.MinBid != nil {
		if *opts.MinBid >= 0 {
			v := *opts.MinBid
			c.MinBid = &v
		} else {
			logger.Warn("negative min_bid ignored", slog.Float64("min_bid", *opts.MinBid))
		}
	}

	c.RewardPenaltyThresholds = DefaultPenaltyThresholds()
	for k, v := range opts.RewardPenaltyThresholds {
		c.RewardPenaltyThresholds[k] = v
	}

	c.CompositeMetricWeights = make(map[Metric]float64, len(opts.CompositeMetricWeights))
	for name, w := range opts.CompositeMetricWeights {
		m := Metric(name)
		if !m.Valid() {
			logger.Warn("invalid composite metric dropped", slog.String("metric", name))
			continue
		}
		c.CompositeMetricWeights[m] = w
	}
	if len(c.CompositeMetricWeights) == 0 {
		if len(opts.CompositeMetricWeights) > 0 {
			logger.Warn("no valid composite metric weights, falling back to roi_weighted")
		} else {
			logger.Info("no composite metric weights configured, using roi_weighted")
		}
		c.CompositeMetricWeights = map[Metric]float64{MetricROIWeighted: 1.0}
	}
	return c
}

// ClampCPM bounds a proposed bid: the change from previous is capped at
// MaxCPMChange, then the absolute bounds apply. Unset (zero) limits are
// skipped.
func (c *Config) ClampCPM(previous, proposed float64) float64 {
	cpm := proposed
	if c.MaxCPMChange > 0 && previous > 0 {
		cpm = math.Max(previous-c.MaxCPMChange, math.Min(previous+c.MaxCPMChange, cpm))
	}
	if c.MinCPMAbsolute > 0 && cpm < c.MinCPMAbsolute {
		cpm = c.MinCPMAbsolute
	}
	if c.MaxCPMAbsolute > 0 && cpm > c.MaxCPMAbsolute {
		cpm = c.MaxCPMAbsolute
	}
	return round2(cpm)
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
