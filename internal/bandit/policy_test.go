package bandit

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeArmPolicy(opts Options) *Policy {
	cfg := NewConfig(opts, nil)
	cfg.Arms = []string{"-5%", "0%", "5%"}
	cfg.InitialArms = []string{"-5%", "0%", "5%"}
	return NewPolicy(cfg, nil)
}

func TestSelectArmColdStart(t *testing.T) {
	p := NewPolicy(NewConfig(Options{}, nil), nil)

	arm, err := p.SelectArm(100, ptr(100.0))
	require.NoError(t, err)
	assert.Equal(t, "-10%", arm)
	assert.Equal(t, 1, p.TotalPulls())
}

func TestSelectArmWarmStartThenFullSet(t *testing.T) {
	p := NewPolicy(NewConfig(Options{}, nil), nil)

	var picked []string
	for i := 0; i < 5; i++ {
		arm, err := p.SelectArm(100, ptr(100.0))
		require.NoError(t, err)
		picked = append(picked, arm)
		p.Update(arm, 0, nil)
	}
	assert.Equal(t, []string{"-10%", "-5%", "0%", "5%", "10%"}, picked)

	// Sixth selection sees every arm; the first untried one wins.
	arm, err := p.SelectArm(100, ptr(100.0))
	require.NoError(t, err)
	assert.Equal(t, "-50%", arm)
}

func TestSelectArmWarmStartSkipsMissingArms(t *testing.T) {
	cfg := NewConfig(Options{}, nil)
	cfg.Arms = []string{"-50%", "0%", "50%"}
	p := NewPolicy(cfg, nil)

	for i := 0; i < 3; i++ {
		arm, err := p.SelectArm(100, ptr(100.0))
		require.NoError(t, err)
		assert.Equal(t, "0%", arm)
		p.Update(arm, 1, nil)
	}
}

func TestSelectArmNoArms(t *testing.T) {
	cfg := NewConfig(Options{}, nil)
	cfg.Arms = nil
	p := NewPolicy(cfg, nil)

	_, err := p.SelectArm(100, ptr(100.0))
	assert.True(t, errors.Is(err, ErrNoArms))
	assert.Equal(t, 0, p.TotalPulls())
}

func TestSelectArmMinBid(t *testing.T) {
	t.Run("nothing valid falls back to reset", func(t *testing.T) {
		p := NewPolicy(NewConfig(Options{MinBid: ptr(1000.0)}, nil), nil)
		arm, err := p.SelectArm(100, ptr(100.0))
		require.NoError(t, err)
		assert.Equal(t, ArmReset, arm)
		assert.True(t, p.LastFallback())
	})

	t.Run("filters arms below the floor", func(t *testing.T) {
		p := NewPolicy(NewConfig(Options{MinBid: ptr(100.0)}, nil), nil)
		arm, err := p.SelectArm(100, ptr(100.0))
		require.NoError(t, err)
		assert.Equal(t, "0%", arm)
		assert.False(t, p.LastFallback())
	})
}

func TestSelectArmUCBPrefersBestMean(t *testing.T) {
	p := threeArmPolicy(Options{})
	p.Update("-5%", 0.1, nil)
	p.Update("0%", 0.9, nil)
	p.Update("5%", 0.2, nil)

	// ln(1) = 0, so the score is the mean reward.
	arm, err := p.SelectArm(100, ptr(100.0))
	require.NoError(t, err)
	assert.Equal(t, "0%", arm)
}

// exploredState has a well-sampled leader and a once-tried runner-up, past
// warm-start.
func exploredState() PolicyState {
	return PolicyState{
		Arms:       []string{"-5%", "0%", "5%"},
		Counts:     map[string]int{"-5%": 10, "0%": 1, "5%": 10},
		Rewards:    map[string]float64{"-5%": 6, "0%": 0.4, "5%": 1},
		CPMs:       map[string]float64{},
		TotalPulls: 20,
	}
}

func TestSelectArmExplorationBonus(t *testing.T) {
	tests := []struct {
		name        string
		exploration *float64
		want        string
	}{
		// ln(21) ~ 3.04: 0.4 + sqrt(2*3.04/1) beats 0.6 + sqrt(2*3.04/10).
		{"bonus favours the under-sampled arm", nil, "0%"},
		{"zero exploration picks the best mean", ptr(0.0), "-5%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := threeArmPolicy(Options{
				ExplorationFactor:   tt.exploration,
				AdaptiveExploration: ptr(false),
				MinPullsToPrune:     100,
			})
			p.RestoreState(exploredState())

			arm, err := p.SelectArm(100, ptr(100.0))
			require.NoError(t, err)
			assert.Equal(t, tt.want, arm)
		})
	}
}

func TestSelectArmAdaptiveExplorationDecays(t *testing.T) {
	tests := []struct {
		name     string
		adaptive bool
		want     string
	}{
		{"static exploration keeps exploring", false, "0%"},
		// 2*exp(-21) leaves a negligible bonus.
		{"decayed exploration exploits", true, "-5%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := threeArmPolicy(Options{
				ExplorationDecayRate: ptr(1.0),
				AdaptiveExploration:  ptr(tt.adaptive),
				MinPullsToPrune:      100,
			})
			p.RestoreState(exploredState())

			arm, err := p.SelectArm(100, ptr(100.0))
			require.NoError(t, err)
			assert.Equal(t, tt.want, arm)
		})
	}
}

func TestSelectArmUnknownInitialCPMLogsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := NewPolicy(NewConfig(Options{MinBid: ptr(50.0)}, logger), logger)

	arm, err := p.SelectArm(100, nil)
	require.NoError(t, err)
	assert.Equal(t, "-10%", arm)
	assert.Equal(t, 1, strings.Count(buf.String(), "initial cpm unknown"))
}

func TestSelectArmTieGoesToFirstArm(t *testing.T) {
	p := threeArmPolicy(Options{})
	for _, arm := range []string{"-5%", "0%", "5%"} {
		p.Update(arm, 0.5, nil)
	}

	arm, err := p.SelectArm(100, ptr(100.0))
	require.NoError(t, err)
	assert.Equal(t, "-5%", arm)
}

func TestSelectArmBudgetPenalty(t *testing.T) {
	p := threeArmPolicy(Options{DailyBudget: 10})
	p.Update("-5%", 0.1, ptr(5.0))
	p.Update("0%", 0.9, ptr(50.0))
	p.Update("5%", 0.2, ptr(5.0))

	arm, err := p.SelectArm(100, ptr(100.0))
	require.NoError(t, err)
	assert.Equal(t, "5%", arm)
}

func TestActiveArmsPruning(t *testing.T) {
	p := threeArmPolicy(Options{})
	for i := 0; i < 3; i++ {
		p.Update("0%", 1, nil)
		p.Update("-5%", 0.05, nil)
	}
	p.Update("5%", 0, nil)

	assert.Equal(t, []string{"0%", "5%"}, p.activeArms([]string{"-5%", "0%", "5%"}))
}

func TestActiveArmsAllPrunedFallsBack(t *testing.T) {
	p := threeArmPolicy(Options{})
	for i := 0; i < 3; i++ {
		for _, arm := range []string{"-5%", "0%", "5%"} {
			p.Update(arm, 0, nil)
		}
	}

	valid := []string{"-5%", "0%", "5%"}
	assert.Equal(t, valid, p.activeArms(valid))
}

func TestApplyCPMChange(t *testing.T) {
	p := NewPolicy(NewConfig(Options{CPMStepSize: ptr(25.0)}, nil), nil)

	t.Run("noop keeps current", func(t *testing.T) {
		assert.Equal(t, 101.37, p.ApplyCPMChange(ArmNoop, 101.374, ptr(80.0)))
	})
	t.Run("reset returns initial", func(t *testing.T) {
		assert.Equal(t, 80.0, p.ApplyCPMChange(ArmReset, 101.374, ptr(80.0)))
	})
	t.Run("unknown initial keeps current", func(t *testing.T) {
		assert.Equal(t, 101.37, p.ApplyCPMChange("50%", 101.374, nil))
	})
	t.Run("warm-start small step skips snapping", func(t *testing.T) {
		assert.InDelta(t, 105.0, p.ApplyCPMChange("5%", 100, ptr(100.0)), 1e-9)
		assert.InDelta(t, 90.0, p.ApplyCPMChange("-10%", 100, ptr(100.0)), 1e-9)
	})
	t.Run("warm-start large step snaps", func(t *testing.T) {
		assert.Equal(t, 75.0, p.ApplyCPMChange("-50%", 130, ptr(100.0)))
	})

	p.totalPulls = 6

	t.Run("double snaps", func(t *testing.T) {
		assert.Equal(t, 200.0, p.ApplyCPMChange(ArmDouble, 100, ptr(100.0)))
	})
	t.Run("small step snaps after warm-start", func(t *testing.T) {
		assert.Equal(t, 100.0, p.ApplyCPMChange("5%", 100, ptr(100.0)))
	})
	t.Run("large cut snaps", func(t *testing.T) {
		assert.Equal(t, 75.0, p.ApplyCPMChange("-50%", 130, ptr(100.0)))
	})
}

func TestApplyCPMChangeZeroStepSkipsSnapping(t *testing.T) {
	p := NewPolicy(NewConfig(Options{CPMStepSize: ptr(0.0)}, nil), nil)
	p.totalPulls = 6

	assert.Equal(t, 95.95, p.ApplyCPMChange("-5%", 101, ptr(100.0)))
	assert.Equal(t, 202.74, p.ApplyCPMChange(ArmDouble, 101.37, ptr(100.0)))
	assert.Equal(t, 151.5, p.ApplyCPMChange("50%", 101, ptr(100.0)))
}

func TestUpdate(t *testing.T) {
	p := NewPolicy(NewConfig(Options{}, nil), nil)
	p.Update("0%", 0.5, ptr(100.0))
	p.Update("0%", 0.3, ptr(200.0))
	p.Update("0%", 0.2, nil)

	s := p.ArmStats()["0%"]
	assert.Equal(t, 3, s.Pulls)
	assert.InDelta(t, 1.0, s.TotalReward, 1e-9)
	assert.InDelta(t, 1.0/3, s.AvgReward, 1e-9)
	assert.InDelta(t, 150.0, s.AvgCPM, 1e-9)

	p.Update("42%", 1, nil)
	_, ok := p.ArmStats()["42%"]
	assert.False(t, ok)
}

func TestUpdateArms(t *testing.T) {
	p := NewPolicy(NewConfig(Options{}, nil), nil)
	p.Update("0%", 1, ptr(100.0))

	p.UpdateArms([]string{"0%", ArmReset, "0%"})
	assert.Equal(t, []string{"0%", ArmReset}, p.Config().Arms)
	stats := p.ArmStats()
	assert.Len(t, stats, 2)
	assert.Equal(t, 1, stats["0%"].Pulls)
	assert.Equal(t, 0, stats[ArmReset].Pulls)

	p.UpdateArms(nil)
	assert.Equal(t, DefaultArms(), p.Config().Arms)
	assert.Equal(t, 1, p.ArmStats()["0%"].Pulls)
}

func TestStateRoundTrip(t *testing.T) {
	p := NewPolicy(NewConfig(Options{}, nil), nil)
	for i := 0; i < 4; i++ {
		arm, err := p.SelectArm(100, ptr(100.0))
		require.NoError(t, err)
		p.Update(arm, float64(i), ptr(100.0))
	}
	s := p.State()

	s.Counts["-10%"] = 99
	assert.Equal(t, 1, p.ArmStats()["-10%"].Pulls)
	s.Counts["-10%"] = 1

	q := NewPolicy(NewConfig(Options{}, nil), nil)
	q.RestoreState(s)
	assert.Equal(t, p.ArmStats(), q.ArmStats())
	assert.Equal(t, 4, q.TotalPulls())

	arm, err := q.SelectArm(100, ptr(100.0))
	require.NoError(t, err)
	assert.Equal(t, "10%", arm)
}

func TestValidArm(t *testing.T) {
	for _, arm := range []string{"double", "reset", "0%", "-50%", "12.5%"} {
		assert.True(t, ValidArm(arm), arm)
	}
	for _, arm := range []string{"", "half", "5", "%", "x%"} {
		assert.False(t, ValidArm(arm), arm)
	}
}

func TestSelectArmWarmStartWithoutInitialArmsUsesAllArms(t *testing.T) {
	cfg := NewConfig(Options{}, nil)
	p := NewPolicy(cfg, nil)
	p.UpdateArms([]string{"double", "reset"})

	arm, err := p.SelectArm(100, ptr(100.0))
	require.NoError(t, err)
	assert.Equal(t, "double", arm)
	assert.False(t, p.LastFallback())
}
