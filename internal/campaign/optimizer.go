package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/cpmbandit/internal/bandit"
)

// StepInput is what one optimization cycle observes: the metrics of the
// period that just ended and the bid currently in force.
type StepInput struct {
	AdvertID   string          `json:"advert_id"`
	CurrentCPM float64         `json:"current_cpm"`
	InitialCPM *float64        `json:"initial_cpm,omitempty"`
	Snapshot   bandit.Snapshot `json:"snapshot"`

	// RequestID correlates the step with the HTTP request or workflow run
	// that triggered it. Not part of the wire format.
	RequestID string `json:"-"`
}

// Decision is the outcome of one cycle.
type Decision struct {
	StepID      string        `json:"step_id"`
	AdvertID    string        `json:"advert_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Arm         string        `json:"arm"`
	PreviousCPM float64       `json:"previous_cpm"`
	ProposedCPM float64       `json:"proposed_cpm"`
	NewCPM      float64       `json:"new_cpm"`
	Metric      bandit.Metric `json:"metric"`
	RawReward   float64       `json:"raw_reward"`
	Reward      float64       `json:"reward"`
	// RewardedArm is the arm credited with Reward; empty on the first cycle.
	RewardedArm string `json:"rewarded_arm,omitempty"`
	TotalPulls  int    `json:"total_pulls"`
	Fallback    bool   `json:"fallback"`
	RequestID   string `json:"request_id,omitempty"`
}

// Pending is the arm whose reward has not been observed yet.
type Pending struct {
	StepID string    `json:"step_id"`
	Arm    string    `json:"arm"`
	CPM    float64   `json:"cpm"`
	At     time.Time `json:"at"`
}

// State is the persisted form of an Optimizer.
type State struct {
	Policy        bandit.PolicyState `json:"policy"`
	RewardHistory []float64          `json:"reward_history,omitempty"`
	Pending       *Pending           `json:"pending,omitempty"`
	InitialCPM    *float64           `json:"initial_cpm,omitempty"`
}

// Optimizer drives one campaign. It owns the campaign's config, policy and
// reward calculator; Step calls are serialized.
type Optimizer struct {
	logger *slog.Logger

	mu         sync.Mutex
	cfg        *bandit.Config
	policy     *bandit.Policy
	calc       *bandit.RewardCalculator
	pending    *Pending
	initialCPM *float64
}

// NewOptimizer builds the bandit triple for spec. A non-empty spec.Arms
// replaces the default arm set.
func NewOptimizer(spec Spec, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := bandit.NewConfig(spec.Options(), logger)
	o := &Optimizer{
		logger: logger.With(slog.String("advert_id", spec.AdvertID)),
		cfg:    cfg,
		policy: bandit.NewPolicy(cfg, logger),
		calc:   bandit.NewRewardCalculator(cfg, logger),
	}
	if len(spec.Arms) > 0 {
		o.policy.UpdateArms(spec.Arms)
	}
	if spec.InitialCPM != nil {
		v := *spec.InitialCPM
		o.initialCPM = &v
	}
	return o
}

// AdvertID returns the campaign identifier.
func (o *Optimizer) AdvertID() string { return o.cfg.AdvertID }

// Step rewards the pending arm with the period's metrics, then selects the
// next arm and its bid.
func (o *Optimizer) Step(ctx context.Context, in StepInput) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	d := Decision{
		StepID:      uuid.NewString(),
		AdvertID:    o.cfg.AdvertID,
		Timestamp:   time.Now().UTC(),
		PreviousCPM: in.CurrentCPM,
		Metric:      o.cfg.RewardMetric,
		RequestID:   in.RequestID,
	}

	if o.pending != nil {
		br := o.calc.Reward(in.Snapshot)
		cpm := in.Snapshot.Stat.AdRate
		if cpm <= 0 {
			cpm = o.pending.CPM
		}
		o.policy.Update(o.pending.Arm, br.Reward, &cpm)
		d.RewardedArm = o.pending.Arm
		d.RawReward = br.Raw
		d.Reward = br.Reward
		o.pending = nil
	}

	initial := o.resolveInitialCPM(in)
	arm, err := o.policy.SelectArm(in.CurrentCPM, initial)
	if err != nil {
		return Decision{}, fmt.Errorf("select arm: %w", err)
	}
	d.Arm = arm
	d.Fallback = o.policy.LastFallback()
	d.ProposedCPM = o.policy.ApplyCPMChange(arm, in.CurrentCPM, initial)
	d.NewCPM = o.cfg.ClampCPM(in.CurrentCPM, d.ProposedCPM)
	d.TotalPulls = o.policy.TotalPulls()

	o.pending = &Pending{StepID: d.StepID, Arm: arm, CPM: d.NewCPM, At: d.Timestamp}

	o.logger.Info("arm selected",
		slog.String("step_id", d.StepID),
		slog.String("arm", arm),
		slog.Float64("previous_cpm", d.PreviousCPM),
		slog.Float64("new_cpm", d.NewCPM),
		slog.Float64("reward", d.Reward),
		slog.Int("total_pulls", d.TotalPulls),
		slog.Bool("fallback", d.Fallback),
	)
	return d, nil
}

// resolveInitialCPM prefers the value reported with the input, then the
// configured one, then the first bid ever observed.
func (o *Optimizer) resolveInitialCPM(in StepInput) *float64 {
	switch {
	case in.InitialCPM != nil && *in.InitialCPM > 0:
		v := *in.InitialCPM
		o.initialCPM = &v
	case o.initialCPM == nil && in.CurrentCPM > 0:
		v := in.CurrentCPM
		o.initialCPM = &v
	}
	return o.initialCPM
}

// ArmStats returns per-arm counters.
func (o *Optimizer) ArmStats() map[string]bandit.ArmStat {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.policy.ArmStats()
}

// Arms returns the current arm set in selection order.
func (o *Optimizer) Arms() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.cfg.Arms...)
}

// UpdateArms replaces the arm set, keeping counters of retained arms.
func (o *Optimizer) UpdateArms(arms []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.policy.UpdateArms(arms)
	if o.pending != nil && !slices.Contains(o.cfg.Arms, o.pending.Arm) {
		// The removed arm can no longer be credited.
		o.pending = nil
	}
}

// DropPending forgets the pending arm selected by stepID, so a bid that
// never reached the platform is not credited with the next period's reward.
// It reports whether anything was dropped.
func (o *Optimizer) DropPending(stepID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil || o.pending.StepID != stepID {
		return false
	}
	o.logger.Info("pending arm dropped", slog.String("step_id", stepID), slog.String("arm", o.pending.Arm))
	o.pending = nil
	return true
}

// Config returns a copy of the effective configuration.
func (o *Optimizer) Config() bandit.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := *o.cfg
	c.Arms = append([]string(nil), o.cfg.Arms...)
	c.InitialArms = append([]string(nil), o.cfg.InitialArms...)
	return c
}

// TotalPulls returns the number of completed selections.
func (o *Optimizer) TotalPulls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.policy.TotalPulls()
}

// PendingArm returns the arm awaiting its reward, if any.
func (o *Optimizer) PendingArm() (Pending, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return Pending{}, false
	}
	return *o.pending, true
}

// Snapshot captures the full learning state.
func (o *Optimizer) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := State{
		Policy:        o.policy.State(),
		RewardHistory: o.calc.History(),
	}
	if o.pending != nil {
		p := *o.pending
		s.Pending = &p
	}
	if o.initialCPM != nil {
		v := *o.initialCPM
		s.InitialCPM = &v
	}
	return s
}

// Restore loads a state captured by Snapshot.
func (o *Optimizer) Restore(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.policy.RestoreState(s.Policy)
	o.calc.RestoreHistory(s.RewardHistory)
	o.pending = nil
	if s.Pending != nil && slices.Contains(o.cfg.Arms, s.Pending.Arm) {
		p := *s.Pending
		o.pending = &p
	}
	if s.InitialCPM != nil {
		v := *s.InitialCPM
		o.initialCPM = &v
	}
}
