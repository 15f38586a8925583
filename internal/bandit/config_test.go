package bandit

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestDefaultArms(t *testing.T) {
	arms := DefaultArms()
	require.Len(t, arms, 23)
	assert.Equal(t, "-50%", arms[0])
	assert.Equal(t, "50%", arms[20])
	assert.Equal(t, []string{ArmDouble, ArmReset}, arms[21:])

	zeros := 0
	for _, a := range arms {
		if a == ArmNoop {
			zeros++
		}
	}
	assert.Equal(t, 1, zeros)
}

func TestDefaultInitialArms(t *testing.T) {
	assert.Equal(t, []string{"-10%", "-5%", "0%", "5%", "10%"}, DefaultInitialArms())
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig(Options{AdvertID: "42"}, nil)

	assert.Equal(t, "42", cfg.AdvertID)
	assert.Equal(t, MetricROIOrders, cfg.RewardMetric)
	assert.Equal(t, 2.0, cfg.ExplorationFactor)
	assert.Equal(t, 0.01, cfg.ExplorationDecayRate)
	assert.True(t, cfg.AdaptiveExploration)
	assert.Equal(t, 3, cfg.MinPullsToPrune)
	assert.Equal(t, 5.0, cfg.CPMStepSize)
	assert.Equal(t, 24.0, cfg.PeriodMaxHours)
	assert.Equal(t, NormalizeMinMax, cfg.NormalizationMethod)
	assert.Nil(t, cfg.MinBid)
	assert.Equal(t, DefaultPenaltyThresholds(), cfg.RewardPenaltyThresholds)
	assert.Equal(t, map[Metric]float64{MetricROIWeighted: 1}, cfg.CompositeMetricWeights)
}

func TestNewConfigExplicitAdaptiveFalse(t *testing.T) {
	cfg := NewConfig(Options{AdaptiveExploration: ptr(false)}, nil)
	assert.False(t, cfg.AdaptiveExploration)
}

func TestNewConfigExplicitZeroKnobs(t *testing.T) {
	cfg := NewConfig(Options{
		ExplorationFactor:    ptr(0.0),
		ExplorationDecayRate: ptr(0.0),
		CPMStepSize:          ptr(0.0),
	}, nil)

	assert.Equal(t, 0.0, cfg.ExplorationFactor)
	assert.Equal(t, 0.0, cfg.ExplorationDecayRate)
	assert.Equal(t, 0.0, cfg.CPMStepSize)
}

func TestNewConfigExplicitKnobs(t *testing.T) {
	cfg := NewConfig(Options{
		ExplorationFactor:    ptr(0.5),
		ExplorationDecayRate: ptr(0.2),
		CPMStepSize:          ptr(10.0),
	}, nil)

	assert.Equal(t, 0.5, cfg.ExplorationFactor)
	assert.Equal(t, 0.2, cfg.ExplorationDecayRate)
	assert.Equal(t, 10.0, cfg.CPMStepSize)
}

func TestNewConfigFiltersCompositeWeights(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	cfg := NewConfig(Options{CompositeMetricWeights: map[string]float64{
		"roi_carts": 0.5,
		"bogus":     1,
	}}, logger)

	assert.Equal(t, map[Metric]float64{MetricROICarts: 0.5}, cfg.CompositeMetricWeights)
	assert.Contains(t, buf.String(), "invalid composite metric dropped")
	assert.Contains(t, buf.String(), "bogus")
}

func TestNewConfigAllInvalidWeightsFallBack(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	cfg := NewConfig(Options{CompositeMetricWeights: map[string]float64{"nope": 2}}, logger)

	assert.Equal(t, map[Metric]float64{MetricROIWeighted: 1}, cfg.CompositeMetricWeights)
	assert.True(t, strings.Contains(buf.String(), "falling back to roi_weighted"))
}

func TestNewConfigNoCompositeWeightsLogsFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	cfg := NewConfig(Options{}, logger)

	assert.Equal(t, map[Metric]float64{MetricROIWeighted: 1}, cfg.CompositeMetricWeights)
	assert.Contains(t, buf.String(), "no composite metric weights configured, using roi_weighted")
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestNewConfigMinBid(t *testing.T) {
	tests := []struct {
		name string
		in   *float64
		want *float64
	}{
		{"unset", nil, nil},
		{"zero", ptr(0.0), ptr(0.0)},
		{"positive", ptr(120.0), ptr(120.0)},
		{"negative coerced", ptr(-1.0), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig(Options{MinBid: tt.in}, nil)
			assert.Equal(t, tt.want, cfg.MinBid)
		})
	}
}

func TestNewConfigPenaltyOverrides(t *testing.T) {
	cfg := NewConfig(Options{RewardPenaltyThresholds: map[string]float64{ThresholdCPA: 2}}, nil)
	assert.Equal(t, 2.0, cfg.RewardPenaltyThresholds[ThresholdCPA])
	assert.Equal(t, 0.1, cfg.RewardPenaltyThresholds[ThresholdOrdersATBS])
}

func TestNewConfigUnknownMetric(t *testing.T) {
	cfg := NewConfig(Options{RewardMetric: "likes"}, nil)
	assert.Equal(t, MetricROIOrders, cfg.RewardMetric)
}

func TestClampCPM(t *testing.T) {
	cfg := NewConfig(Options{MaxCPMChange: 30, MinCPMAbsolute: 50, MaxCPMAbsolute: 400}, nil)

	tests := []struct {
		name               string
		previous, proposed float64
		want               float64
	}{
		{"within bounds", 100, 120, 120},
		{"change capped up", 100, 200, 130},
		{"change capped down", 100, 10, 70},
		{"absolute floor", 60, 40, 50},
		{"absolute ceiling", 390, 415, 400},
		{"no previous skips change cap", 0, 300, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.ClampCPM(tt.previous, tt.proposed))
		})
	}

	unbounded := NewConfig(Options{}, nil)
	assert.Equal(t, 12345.68, unbounded.ClampCPM(1, 12345.678))
}

func TestParseMetric(t *testing.T) {
	for _, m := range Metrics() {
		got, err := ParseMetric(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	assert.Len(t, Metrics(), 16)

	_, err := ParseMetric("roas")
	assert.Error(t, err)
}
