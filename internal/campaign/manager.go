package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/cpmbandit/internal/bandit"
	"github.com/jordanhubbard/cpmbandit/internal/events"
	"github.com/jordanhubbard/cpmbandit/internal/metrics"
	"github.com/jordanhubbard/cpmbandit/internal/store"
	"github.com/jordanhubbard/cpmbandit/internal/tsdb"
)

var (
	ErrCampaignExists   = errors.New("campaign already registered")
	ErrCampaignNotFound = errors.New("campaign not found")
)

// Error classes reported for failed cycles.
const (
	ErrorClassFetch = "fetch"
	ErrorClassStep  = "step"
	ErrorClassApply = "apply"
)

// MetricsSource reads a campaign's period metrics and current bid.
type MetricsSource interface {
	FetchSnapshot(ctx context.Context, advertID string) (StepInput, error)
}

// BidApplier pushes a new bid to the advertising platform.
type BidApplier interface {
	ApplyBid(ctx context.Context, advertID string, cpm float64, arm string) error
}

// classifiedError is implemented by collaborator errors that know their
// failure class (e.g. HTTP status errors).
type classifiedError interface {
	ErrorClass() string
}

// ClassifyError returns err's failure class, or fallback when err does not
// carry one.
func ClassifyError(err error, fallback string) string {
	var ce classifiedError
	if errors.As(err, &ce) {
		return ce.ErrorClass()
	}
	return fallback
}

// Info is a read-only view of a registered campaign.
type Info struct {
	Spec       Spec          `json:"spec"`
	Config     bandit.Config `json:"config"`
	TotalPulls int           `json:"total_pulls"`
	Pending    *Pending      `json:"pending,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

type entry struct {
	spec      Spec
	opt       *Optimizer
	createdAt time.Time

	// steps serializes changes to the learning state and its persisted
	// copy. Replace hands it to the new entry.
	steps *sync.Mutex
}

// Manager is the registry of campaign optimizers. Campaigns share no
// learning state. Every sink is optional.
type Manager struct {
	logger *slog.Logger

	store   store.Store
	metrics *metrics.Registry
	bus     *events.Bus
	tsdb    *tsdb.Store

	mu        sync.RWMutex
	campaigns map[string]*entry
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithStore(s store.Store) ManagerOption { return func(m *Manager) { m.store = s } }
func WithMetrics(r *metrics.Registry) ManagerOption { return func(m *Manager) { m.metrics = r } }
func WithEventBus(b *events.Bus) ManagerOption { return func(m *Manager) { m.bus = b } }
func WithTSDB(ts *tsdb.Store) ManagerOption { return func(m *Manager) { m.tsdb = ts } }

func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:    logger,
		campaigns: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register validates spec, creates its optimizer and persists the
// definition.
func (m *Manager) Register(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.campaigns[spec.AdvertID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCampaignExists, spec.AdvertID)
	}
	e := &entry{spec: spec, opt: NewOptimizer(spec, m.logger), createdAt: time.Now().UTC(), steps: &sync.Mutex{}}
	m.campaigns[spec.AdvertID] = e
	n := len(m.campaigns)
	m.mu.Unlock()

	if err := m.persistSpec(ctx, spec, e.createdAt); err != nil {
		m.mu.Lock()
		delete(m.campaigns, spec.AdvertID)
		m.mu.Unlock()
		return err
	}
	m.saveState(ctx, e.opt)

	if m.metrics != nil {
		m.metrics.CampaignsActive.Set(float64(n))
	}
	m.publish(events.Event{Type: events.EventCampaignRegistered, AdvertID: spec.AdvertID})
	m.logger.Info("campaign registered", slog.String("advert_id", spec.AdvertID),
		slog.String("metric", string(e.opt.Config().RewardMetric)))
	return nil
}

// Replace swaps a campaign's definition. Learned counters are carried over
// to the new configuration. A step in flight finishes first.
func (m *Manager) Replace(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	old, unlock, err := m.lockSteps(spec.AdvertID)
	if err != nil {
		return err
	}
	defer unlock()

	state := old.opt.Snapshot()
	if len(spec.Arms) > 0 {
		state.Policy.Arms = spec.Arms
	}
	opt := NewOptimizer(spec, m.logger)
	opt.Restore(state)
	e := &entry{spec: spec, opt: opt, createdAt: old.createdAt, steps: old.steps}
	m.mu.Lock()
	m.campaigns[spec.AdvertID] = e
	m.mu.Unlock()

	if err := m.persistSpec(ctx, spec, e.createdAt); err != nil {
		return err
	}
	m.saveState(ctx, opt)
	m.logger.Info("campaign replaced", slog.String("advert_id", spec.AdvertID))
	return nil
}

// Get returns a view of one campaign.
func (m *Manager) Get(advertID string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.campaigns[advertID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, advertID)
	}
	return e.info(), nil
}

// List returns every campaign ordered by advert ID.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.campaigns))
	for _, e := range m.campaigns {
		out = append(out, e.info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Spec.AdvertID < out[j].Spec.AdvertID })
	return out
}

// IDs returns the registered advert IDs in order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.campaigns))
	for id := range m.campaigns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Remove unregisters a campaign and deletes its persisted data.
func (m *Manager) Remove(ctx context.Context, advertID string) error {
	m.mu.Lock()
	if _, ok := m.campaigns[advertID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCampaignNotFound, advertID)
	}
	delete(m.campaigns, advertID)
	n := len(m.campaigns)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteCampaign(ctx, advertID); err != nil {
			return fmt.Errorf("delete campaign: %w", err)
		}
	}
	if m.metrics != nil {
		m.metrics.CampaignsActive.Set(float64(n))
	}
	m.publish(events.Event{Type: events.EventCampaignRemoved, AdvertID: advertID})
	m.logger.Info("campaign removed", slog.String("advert_id", advertID))
	return nil
}

// Step runs one cycle for in.AdvertID and records it in every sink.
func (m *Manager) Step(ctx context.Context, in StepInput) (Decision, error) {
	e, unlock, err := m.lockSteps(in.AdvertID)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	d, err := e.opt.Step(ctx, in)
	if err != nil {
		m.recordFailure(in.AdvertID, ErrorClassStep, err)
		return Decision{}, err
	}
	m.recordStep(ctx, e.opt, d)
	return d, nil
}

// ArmStats returns per-arm counters of one campaign.
func (m *Manager) ArmStats(advertID string) (map[string]bandit.ArmStat, error) {
	e, err := m.lookup(advertID)
	if err != nil {
		return nil, err
	}
	return e.opt.ArmStats(), nil
}

// Arms returns one campaign's arm set in selection order.
func (m *Manager) Arms(advertID string) ([]string, error) {
	e, err := m.lookup(advertID)
	if err != nil {
		return nil, err
	}
	return e.opt.Arms(), nil
}

// UpdateArms replaces a campaign's arm set; an empty list restores the
// defaults.
func (m *Manager) UpdateArms(ctx context.Context, advertID string, arms []string) error {
	for _, arm := range arms {
		if !bandit.ValidArm(arm) {
			return fmt.Errorf("%w: arm %q", ErrInvalidSpec, arm)
		}
	}
	e, unlock, err := m.lockSteps(advertID)
	if err != nil {
		return err
	}
	defer unlock()
	e.opt.UpdateArms(arms)

	m.mu.Lock()
	e.spec.Arms = append([]string(nil), arms...)
	spec := e.spec
	m.mu.Unlock()
	if err := m.persistSpec(ctx, spec, e.createdAt); err != nil {
		return err
	}
	m.saveState(ctx, e.opt)
	m.publish(events.Event{Type: events.EventArmsUpdated, AdvertID: advertID, Reason: fmt.Sprintf("%d arms", len(e.opt.Arms()))})
	return nil
}

// RecordApply records the outcome of pushing d's bid to the platform. When
// the push failed, the arm chosen by d stops waiting for a reward.
func (m *Manager) RecordApply(ctx context.Context, d Decision, applyErr error) {
	class := ""
	if applyErr != nil {
		class = ClassifyError(applyErr, ErrorClassApply)
	}
	if m.store != nil {
		if err := m.store.MarkStepApplied(ctx, d.StepID, applyErr == nil, class); err != nil {
			m.logger.Warn("mark step applied failed", slog.String("step_id", d.StepID), slog.String("error", err.Error()))
		}
	}
	if applyErr != nil {
		m.dropPending(ctx, d)
		m.recordFailure(d.AdvertID, ErrorClassApply, applyErr)
		return
	}
	if m.metrics != nil {
		m.metrics.CurrentCPM.WithLabelValues(d.AdvertID).Set(d.NewCPM)
	}
	m.publish(events.Event{
		Type:        events.EventBidApplied,
		AdvertID:    d.AdvertID,
		StepID:      d.StepID,
		Arm:         d.Arm,
		PreviousCPM: d.PreviousCPM,
		NewCPM:      d.NewCPM,
		RequestID:   d.RequestID,
	})
}

// RecordFetchFailure counts a failed metrics read.
func (m *Manager) RecordFetchFailure(advertID string, err error) {
	m.recordFailure(advertID, ErrorClassFetch, err)
}

// ObserveCycle records the latency of a full fetch/step/apply cycle.
func (m *Manager) ObserveCycle(advertID string, d time.Duration) {
	if m.metrics != nil {
		m.metrics.StepLatency.WithLabelValues(advertID).Observe(float64(d.Milliseconds()))
	}
}

// LoadFromStore registers every persisted campaign and restores its
// learning state. Campaigns already registered are skipped.
func (m *Manager) LoadFromStore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	recs, err := m.store.ListCampaigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list campaigns: %w", err)
	}
	loaded := 0
	for _, rec := range recs {
		if !rec.Enabled {
			continue
		}
		var spec Spec
		if err := json.Unmarshal(rec.Spec, &spec); err != nil {
			m.logger.Warn("skipping campaign with unreadable spec", slog.String("advert_id", rec.AdvertID), slog.String("error", err.Error()))
			continue
		}
		if err := spec.Validate(); err != nil {
			m.logger.Warn("skipping invalid campaign", slog.String("advert_id", rec.AdvertID), slog.String("error", err.Error()))
			continue
		}
		opt := NewOptimizer(spec, m.logger)
		raw, err := m.store.LoadCampaignState(ctx, rec.AdvertID)
		if err != nil {
			return loaded, fmt.Errorf("load state %s: %w", rec.AdvertID, err)
		}
		if raw != nil {
			var st State
			if err := json.Unmarshal(raw, &st); err != nil {
				m.logger.Warn("discarding unreadable campaign state", slog.String("advert_id", rec.AdvertID), slog.String("error", err.Error()))
			} else {
				opt.Restore(st)
			}
		}

		m.mu.Lock()
		if _, exists := m.campaigns[spec.AdvertID]; !exists {
			m.campaigns[spec.AdvertID] = &entry{spec: spec, opt: opt, createdAt: rec.CreatedAt, steps: &sync.Mutex{}}
			loaded++
		}
		m.mu.Unlock()
	}
	if m.metrics != nil {
		m.mu.RLock()
		m.metrics.CampaignsActive.Set(float64(len(m.campaigns)))
		m.mu.RUnlock()
	}
	m.logger.Info("campaigns restored", slog.Int("count", loaded))
	return loaded, nil
}

func (m *Manager) dropPending(ctx context.Context, d Decision) {
	e, unlock, err := m.lockSteps(d.AdvertID)
	if err != nil {
		return
	}
	defer unlock()
	if e.opt.DropPending(d.StepID) {
		m.saveState(ctx, e.opt)
	}
}

// lockSteps takes the campaign's step lock and returns the entry current
// under it. The caller must call unlock.
func (m *Manager) lockSteps(advertID string) (*entry, func(), error) {
	for {
		e, err := m.lookup(advertID)
		if err != nil {
			return nil, nil, err
		}
		e.steps.Lock()
		cur, err := m.lookup(advertID)
		if err != nil {
			e.steps.Unlock()
			return nil, nil, err
		}
		if cur.steps == e.steps {
			return cur, e.steps.Unlock, nil
		}
		// Removed and registered again while we waited.
		e.steps.Unlock()
	}
}

func (m *Manager) lookup(advertID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.campaigns[advertID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, advertID)
	}
	return e, nil
}

// info must be called with m.mu held.
func (e *entry) info() Info {
	inf := Info{
		Spec:       e.spec,
		Config:     e.opt.Config(),
		TotalPulls: e.opt.TotalPulls(),
		CreatedAt:  e.createdAt,
	}
	if p, ok := e.opt.PendingArm(); ok {
		inf.Pending = &p
	}
	return inf
}

func (m *Manager) persistSpec(ctx context.Context, spec Spec, createdAt time.Time) error {
	if m.store == nil {
		return nil
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	now := time.Now().UTC()
	if err := m.store.UpsertCampaign(ctx, store.CampaignRecord{
		AdvertID:  spec.AdvertID,
		Spec:      raw,
		Enabled:   true,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("persist campaign: %w", err)
	}
	return nil
}

func (m *Manager) saveState(ctx context.Context, opt *Optimizer) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(opt.Snapshot())
	if err == nil {
		err = m.store.SaveCampaignState(ctx, opt.AdvertID(), raw)
	}
	if err != nil {
		m.logger.Warn("save campaign state failed", slog.String("advert_id", opt.AdvertID()), slog.String("error", err.Error()))
	}
}

// recordStep writes a successful cycle to every configured sink.
func (m *Manager) recordStep(ctx context.Context, opt *Optimizer, d Decision) {
	if m.store != nil {
		m.saveState(ctx, opt)
		if err := m.store.LogStep(ctx, store.StepLog{
			Timestamp:   d.Timestamp,
			StepID:      d.StepID,
			AdvertID:    d.AdvertID,
			Arm:         d.Arm,
			RewardedArm: d.RewardedArm,
			PreviousCPM: d.PreviousCPM,
			NewCPM:      d.NewCPM,
			RawReward:   d.RawReward,
			Reward:      d.Reward,
			TotalPulls:  d.TotalPulls,
			Fallback:    d.Fallback,
			RequestID:   d.RequestID,
		}); err != nil {
			m.logger.Warn("log step failed", slog.String("step_id", d.StepID), slog.String("error", err.Error()))
		}
	}

	if m.metrics != nil {
		m.metrics.StepsTotal.WithLabelValues(d.AdvertID, "ok").Inc()
		m.metrics.ArmSelections.WithLabelValues(d.AdvertID, d.Arm).Inc()
		if d.Fallback {
			m.metrics.FallbacksTotal.WithLabelValues(d.AdvertID).Inc()
		}
		if d.RewardedArm != "" {
			m.metrics.Reward.WithLabelValues(d.AdvertID).Set(d.Reward)
		}
	}

	if d.RewardedArm != "" {
		m.publish(events.Event{
			Type:      events.EventRewardObserved,
			AdvertID:  d.AdvertID,
			StepID:    d.StepID,
			Arm:       d.RewardedArm,
			Reward:    d.Reward,
			RequestID: d.RequestID,
		})
	}
	if d.Fallback {
		m.publish(events.Event{Type: events.EventFallback, AdvertID: d.AdvertID, StepID: d.StepID, Arm: d.Arm, Reason: "no arm satisfies min_bid"})
	}
	m.publish(events.Event{
		Type:        events.EventArmSelected,
		AdvertID:    d.AdvertID,
		StepID:      d.StepID,
		Arm:         d.Arm,
		PreviousCPM: d.PreviousCPM,
		NewCPM:      d.NewCPM,
		TotalPulls:  d.TotalPulls,
		RequestID:   d.RequestID,
	})

	if m.tsdb != nil {
		if d.RewardedArm != "" {
			m.tsdb.Write(tsdb.Point{Timestamp: d.Timestamp, Metric: tsdb.MetricReward, AdvertID: d.AdvertID, Arm: d.RewardedArm, Value: d.Reward})
			m.tsdb.Write(tsdb.Point{Timestamp: d.Timestamp, Metric: tsdb.MetricRawReward, AdvertID: d.AdvertID, Arm: d.RewardedArm, Value: d.RawReward})
		}
		m.tsdb.Write(tsdb.Point{Timestamp: d.Timestamp, Metric: tsdb.MetricCPM, AdvertID: d.AdvertID, Arm: d.Arm, Value: d.NewCPM})
	}
}

func (m *Manager) recordFailure(advertID, stage string, err error) {
	class := ClassifyError(err, stage)
	if m.metrics != nil {
		m.metrics.StepsTotal.WithLabelValues(advertID, "error").Inc()
		if stage != ErrorClassStep {
			m.metrics.BidApplyErrors.WithLabelValues(advertID, stage).Inc()
		}
	}
	m.publish(events.Event{
		Type:       events.EventStepFailed,
		AdvertID:   advertID,
		ErrorClass: class,
		ErrorMsg:   err.Error(),
		Reason:     stage,
	})
	m.logger.Warn("campaign cycle failed",
		slog.String("advert_id", advertID),
		slog.String("stage", stage),
		slog.String("error_class", class),
		slog.String("error", err.Error()),
	)
}

func (m *Manager) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
