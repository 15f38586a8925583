package campaign

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jordanhubbard/cpmbandit/internal/bandit"
)

// ErrInvalidSpec wraps every validation failure returned by Spec.Validate.
var ErrInvalidSpec = errors.New("invalid campaign spec")

// Spec is the user-facing definition of a campaign, shared by the YAML
// campaigns file and the HTTP API. Zero values select bandit defaults.
type Spec struct {
	AdvertID     string   `json:"advert_id" mapstructure:"advert_id" validate:"required,max=64"`
	RewardMetric string   `json:"reward_metric,omitempty" mapstructure:"reward_metric" validate:"omitempty,metric"`
	Arms         []string `json:"arms,omitempty" mapstructure:"arms" validate:"omitempty,dive,arm"`
	InitialCPM   *float64 `json:"initial_cpm,omitempty" mapstructure:"initial_cpm" validate:"omitempty,gt=0"`

	DailyBudget  float64 `json:"daily_budget,omitempty" mapstructure:"daily_budget" validate:"gte=0"`
	MaxCPMChange float64 `json:"max_cpm_change,omitempty" mapstructure:"max_cpm_change" validate:"gte=0"`
	TargetCPA    float64 `json:"target_cpa,omitempty" mapstructure:"target_cpa" validate:"gte=0"`

	// Unset knobs take the bandit defaults; an explicit 0 is kept.
	ExplorationFactor    *float64 `json:"exploration_factor,omitempty" mapstructure:"exploration_factor" validate:"omitempty,gte=0"`
	ExplorationDecayRate *float64 `json:"exploration_decay_rate,omitempty" mapstructure:"exploration_decay_rate" validate:"omitempty,gte=0"`
	AdaptiveExploration  *bool    `json:"adaptive_exploration,omitempty" mapstructure:"adaptive_exploration"`
	MinPullsToPrune      int      `json:"min_pulls_to_prune,omitempty" mapstructure:"min_pulls_to_prune" validate:"gte=0"`

	MinCPMAbsolute float64  `json:"min_cpm_absolute,omitempty" mapstructure:"min_cpm_absolute" validate:"gte=0"`
	MaxCPMAbsolute float64  `json:"max_cpm_absolute,omitempty" mapstructure:"max_cpm_absolute" validate:"gte=0"`
	// 0 disables bid snapping.
	CPMStepSize    *float64 `json:"cpm_step_size,omitempty" mapstructure:"cpm_step_size" validate:"omitempty,gte=0"`

	CostPrice      float64  `json:"cost_price,omitempty" mapstructure:"cost_price" validate:"gte=0"`
	MarketplaceFee float64  `json:"marketplace_fee,omitempty" mapstructure:"marketplace_fee" validate:"gte=0"`
	WarehouseCost  float64  `json:"warehouse_cost,omitempty" mapstructure:"warehouse_cost" validate:"gte=0"`
	Stocks         float64  `json:"stocks,omitempty" mapstructure:"stocks" validate:"gte=0"`
	MinBid         *float64 `json:"min_bid,omitempty" mapstructure:"min_bid" validate:"omitempty,gte=0"`
	PeriodMaxHours float64  `json:"period_max_hours,omitempty" mapstructure:"period_max_hours" validate:"gte=0"`

	NormalizationMethod     string             `json:"normalization_method,omitempty" mapstructure:"normalization_method" validate:"omitempty,oneof=minmax exp none"`
	RewardPenaltyThresholds map[string]float64 `json:"reward_penalty_thresholds,omitempty" mapstructure:"reward_penalty_thresholds" validate:"omitempty,dive,keys,oneof=cpa orders_atbs cr_to_cart cr_to_order,endkeys,gte=0"`
	// Unknown metric names are dropped with a warning by bandit.NewConfig.
	CompositeMetricWeights map[string]float64 `json:"composite_metric_weights,omitempty" mapstructure:"composite_metric_weights"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("arm", func(fl validator.FieldLevel) bool {
		return bandit.ValidArm(fl.Field().String())
	})
	_ = v.RegisterValidation("metric", func(fl validator.FieldLevel) bool {
		return bandit.Metric(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks field ranges, arm syntax and the metric name.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if s.MinCPMAbsolute > 0 && s.MaxCPMAbsolute > 0 && s.MaxCPMAbsolute < s.MinCPMAbsolute {
		return fmt.Errorf("%w: max_cpm_absolute %.2f below min_cpm_absolute %.2f",
			ErrInvalidSpec, s.MaxCPMAbsolute, s.MinCPMAbsolute)
	}
	return nil
}

// Options converts the spec into bandit constructor arguments.
func (s Spec) Options() bandit.Options {
	return bandit.Options{
		AdvertID:                s.AdvertID,
		RewardMetric:            bandit.Metric(s.RewardMetric),
		DailyBudget:             s.DailyBudget,
		MaxCPMChange:            s.MaxCPMChange,
		TargetCPA:               s.TargetCPA,
		ExplorationFactor:       s.ExplorationFactor,
		ExplorationDecayRate:    s.ExplorationDecayRate,
		AdaptiveExploration:     s.AdaptiveExploration,
		MinPullsToPrune:         s.MinPullsToPrune,
		MinCPMAbsolute:          s.MinCPMAbsolute,
		MaxCPMAbsolute:          s.MaxCPMAbsolute,
		CPMStepSize:             s.CPMStepSize,
		CostPrice:               s.CostPrice,
		MarketplaceFee:          s.MarketplaceFee,
		WarehouseCost:           s.WarehouseCost,
		Stocks:                  s.Stocks,
		MinBid:                  s.MinBid,
		PeriodMaxHours:          s.PeriodMaxHours,
		NormalizationMethod:     s.NormalizationMethod,
		RewardPenaltyThresholds: s.RewardPenaltyThresholds,
		CompositeMetricWeights:  s.CompositeMetricWeights,
	}
}
