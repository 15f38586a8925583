package bandit

import (
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// warmStartPulls is the number of selections restricted to InitialArms.
const warmStartPulls = 5

// smallArmLimit bounds the percentage arms that keep fine rounding during
// warm-start.
const smallArmLimit = 10

// budgetScorePenalty scales the UCB score of arms whose average CPM breaks
// the daily budget guard.
const budgetScorePenalty = 0.05

// ErrNoArms is returned by SelectArm when the configuration has no arms.
var ErrNoArms = errors.New("bandit: no arms available")

// ArmStat is the read-only projection of one arm's counters.
type ArmStat struct {
	Pulls       int     `json:"pulls"`
	TotalReward float64 `json:"total_reward"`
	AvgReward   float64 `json:"avg_reward"`
	AvgCPM      float64 `json:"avg_cpm"`
}

// PolicyState is the serializable form of a Policy.
type PolicyState struct {
	Arms       []string           `json:"arms"`
	Counts     map[string]int     `json:"counts"`
	Rewards    map[string]float64 `json:"rewards"`
	CPMs       map[string]float64 `json:"cpms"`
	TotalPulls int                `json:"total_pulls"`
}

// Policy is the UCB arm selector for one campaign.
type Policy struct {
	cfg    *Config
	logger *slog.Logger

	counts     map[string]int
	rewards    map[string]float64
	cpms       map[string]float64
	totalPulls int
	fallback   bool
}

// NewPolicy creates a policy with zeroed counters for every arm in cfg.
func NewPolicy(cfg *Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Policy{
		cfg:     cfg,
		logger:  logger.With(slog.String("advert_id", cfg.AdvertID)),
		counts:  make(map[string]int, len(cfg.Arms)),
		rewards: make(map[string]float64, len(cfg.Arms)),
		cpms:    make(map[string]float64, len(cfg.Arms)),
	}
	for _, arm := range cfg.Arms {
		p.counts[arm] = 0
		p.rewards[arm] = 0
		p.cpms[arm] = 0
	}
	return p
}

// Config returns the policy's configuration.
func (p *Policy) Config() *Config { return p.cfg }

// TotalPulls returns the number of SelectArm calls so far.
func (p *Policy) TotalPulls() int { return p.totalPulls }

// LastFallback reports whether the most recent SelectArm returned "reset"
// because no arm satisfied min_bid.
func (p *Policy) LastFallback() bool { return p.fallback }

// SelectArm picks the next arm. The first five calls only consider the
// warm-start subset; untried arms are always chosen before UCB scoring, and
// ties go to the earliest arm in configuration order.
func (p *Policy) SelectArm(currentCPM float64, initialCPM *float64) (string, error) {
	if len(p.cfg.Arms) == 0 {
		return "", ErrNoArms
	}
	p.totalPulls++
	p.fallback = false
	if initialCPM == nil {
		p.logger.Warn("initial cpm unknown, arms keep the current cpm", slog.Float64("current_cpm", currentCPM))
	}

	valid := p.validArms(p.availableArms(), currentCPM, initialCPM)
	if len(valid) == 0 {
		p.logger.Warn("no arm satisfies min_bid, falling back to reset",
			slog.Float64("current_cpm", currentCPM),
			slog.Float64("min_bid", derefOr(p.cfg.MinBid, 0)),
		)
		p.fallback = true
		return ArmReset, nil
	}

	for _, arm := range valid {
		if p.counts[arm] == 0 {
			return arm, nil
		}
	}

	active := p.activeArms(valid)

	exploration := p.cfg.ExplorationFactor
	if p.cfg.AdaptiveExploration {
		exploration *= math.Exp(-p.cfg.ExplorationDecayRate * float64(p.totalPulls))
	}
	logPulls := math.Log(float64(p.totalPulls))

	best := ""
	bestScore := math.Inf(-1)
	for _, arm := range active {
		n := float64(p.counts[arm])
		score := p.rewards[arm]/n + math.Sqrt(exploration*logPulls/n)
		if p.cfg.DailyBudget > 0 && p.cpms[arm] > p.cfg.DailyBudget*1.2 {
			score *= budgetScorePenalty
		}
		if best == "" || score > bestScore {
			best, bestScore = arm, score
		}
	}
	return best, nil
}

// availableArms is InitialArms during warm-start and Arms afterwards. Warm
// arms missing from the current arm set are skipped; when none remain the
// full arm set is used.
func (p *Policy) availableArms() []string {
	if p.totalPulls > warmStartPulls {
		return p.cfg.Arms
	}
	out := make([]string, 0, len(p.cfg.InitialArms))
	for _, arm := range p.cfg.InitialArms {
		if _, ok := p.counts[arm]; ok {
			out = append(out, arm)
		}
	}
	if len(out) == 0 {
		return p.cfg.Arms
	}
	return out
}

func (p *Policy) validArms(arms []string, currentCPM float64, initialCPM *float64) []string {
	if p.cfg.MinBid == nil {
		return arms
	}
	floor := *p.cfg.MinBid
	out := make([]string, 0, len(arms))
	for _, arm := range arms {
		if p.ApplyCPMChange(arm, currentCPM, initialCPM) >= floor {
			out = append(out, arm)
		}
	}
	return out
}

// activeArms drops well-sampled arms whose average reward is at most a
// tenth of the best cumulative reward. Under-sampled arms are always kept.
func (p *Policy) activeArms(valid []string) []string {
	maxReward := math.Inf(-1)
	for _, r := range p.rewards {
		maxReward = math.Max(maxReward, r)
	}
	threshold := 0.1 * maxReward

	out := make([]string, 0, len(valid))
	for _, arm := range valid {
		n := p.counts[arm]
		if n < p.cfg.MinPullsToPrune || (n > 0 && p.rewards[arm]/float64(n) > threshold) {
			out = append(out, arm)
		}
	}
	if len(out) == 0 {
		return valid
	}
	return out
}

// ApplyCPMChange returns the bid an arm would produce. A nil initialCPM
// leaves the bid unchanged; SelectArm reports that case once per call.
func (p *Policy) ApplyCPMChange(arm string, currentCPM float64, initialCPM *float64) float64 {
	if initialCPM == nil {
		return round2(currentCPM)
	}

	// "0%" and "reset" land on an exact, already chosen bid and are not
	// quantized.
	switch arm {
	case ArmNoop:
		return round2(currentCPM)
	case ArmReset:
		return round2(*initialCPM)
	}

	newCPM := currentCPM
	pct, isPct := parsePercent(arm)
	switch {
	case arm == ArmDouble:
		newCPM = currentCPM * 2
	case isPct:
		newCPM = currentCPM * (1 + pct/100)
	}

	if p.totalPulls <= warmStartPulls && isPct && math.Abs(pct) <= smallArmLimit {
		return round2(newCPM)
	}
	if step := p.cfg.CPMStepSize; step > 0 {
		newCPM = math.Round(newCPM/step) * step
	}
	return round2(newCPM)
}

// Update records the reward observed after pulling arm. cpm, when given,
// feeds the arm's running average bid.
func (p *Policy) Update(arm string, reward float64, cpm *float64) {
	if _, ok := p.counts[arm]; !ok {
		p.logger.Warn("update for unknown arm ignored", slog.String("arm", arm))
		return
	}
	p.counts[arm]++
	p.rewards[arm] += reward

	if cpm != nil {
		n := p.counts[arm]
		if n == 1 {
			p.cpms[arm] = *cpm
		} else {
			p.cpms[arm] = (p.cpms[arm]*float64(n-1) + *cpm) / float64(n)
		}
	}
}

// ArmStats returns per-arm pulls, rewards and average CPM.
func (p *Policy) ArmStats() map[string]ArmStat {
	out := make(map[string]ArmStat, len(p.cfg.Arms))
	for _, arm := range p.cfg.Arms {
		n := p.counts[arm]
		s := ArmStat{Pulls: n, TotalReward: p.rewards[arm], AvgCPM: p.cpms[arm]}
		if n > 0 {
			s.AvgReward = p.rewards[arm] / float64(n)
		}
		out[arm] = s
	}
	return out
}

// UpdateArms replaces the arm set; an empty list restores the defaults.
// Counters of retained arms survive, new arms start at zero.
func (p *Policy) UpdateArms(newArms []string) {
	if len(newArms) == 0 {
		newArms = DefaultArms()
	}
	arms := dedupe(append([]string(nil), newArms...))

	counts := make(map[string]int, len(arms))
	rewards := make(map[string]float64, len(arms))
	cpms := make(map[string]float64, len(arms))
	for _, arm := range arms {
		counts[arm] = p.counts[arm]
		rewards[arm] = p.rewards[arm]
		cpms[arm] = p.cpms[arm]
	}
	p.cfg.Arms = arms
	p.counts, p.rewards, p.cpms = counts, rewards, cpms
	p.logger.Info("arm set updated", slog.Int("arms", len(arms)))
}

// State returns a deep copy of the policy's counters.
func (p *Policy) State() PolicyState {
	s := PolicyState{
		Arms:       append([]string(nil), p.cfg.Arms...),
		Counts:     make(map[string]int, len(p.counts)),
		Rewards:    make(map[string]float64, len(p.rewards)),
		CPMs:       make(map[string]float64, len(p.cpms)),
		TotalPulls: p.totalPulls,
	}
	for k, v := range p.counts {
		s.Counts[k] = v
	}
	for k, v := range p.rewards {
		s.Rewards[k] = v
	}
	for k, v := range p.cpms {
		s.CPMs[k] = v
	}
	return s
}

// RestoreState loads counters saved by State. The saved arm set replaces
// the configured one so the key invariant holds.
func (p *Policy) RestoreState(s PolicyState) {
	if len(s.Arms) > 0 {
		p.cfg.Arms = append([]string(nil), s.Arms...)
	}
	p.counts = make(map[string]int, len(p.cfg.Arms))
	p.rewards = make(map[string]float64, len(p.cfg.Arms))
	p.cpms = make(map[string]float64, len(p.cfg.Arms))
	for _, arm := range p.cfg.Arms {
		p.counts[arm] = s.Counts[arm]
		p.rewards[arm] = s.Rewards[arm]
		p.cpms[arm] = s.CPMs[arm]
	}
	p.totalPulls = s.TotalPulls
}

// ValidArm reports whether arm is "double", "reset" or a "{p}%" change.
func ValidArm(arm string) bool {
	if arm == ArmDouble || arm == ArmReset {
		return true
	}
	_, ok := parsePercent(arm)
	return ok
}

// parsePercent reads arms of the form "{p}%".
func parsePercent(arm string) (float64, bool) {
	num, ok := strings.CutSuffix(arm, "%")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func derefOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
