package campaign

import (
	"context"
	"log/slog"
	"time"
)

// LoopConfig configures the in-process optimization loop used when Temporal
// scheduling is disabled.
type LoopConfig struct {
	Interval    time.Duration
	StepTimeout time.Duration
}

// DefaultLoopConfig returns an hourly cycle with a 30 second budget per
// campaign.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{Interval: time.Hour, StepTimeout: 30 * time.Second}
}

// StartLoop runs fetch, step and apply for every registered campaign on each
// tick. Failures are logged and counted; the loop keeps going. Returns a
// stop function that waits for the current cycle to finish.
func StartLoop(cfg LoopConfig, m *Manager, src MetricsSource, applier BidApplier, logger *slog.Logger) func() {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLoopConfig().Interval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultLoopConfig().StepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				RunCycle(ctx, cfg.StepTimeout, m, src, applier, logger)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunCycle performs one pass over every registered campaign.
func RunCycle(ctx context.Context, timeout time.Duration, m *Manager, src MetricsSource, applier BidApplier, logger *slog.Logger) {
	ids := m.IDs()
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		runOne(stepCtx, id, m, src, applier)
		cancel()
	}
	logger.Debug("optimization cycle complete", slog.Int("campaigns", len(ids)))
}

func runOne(ctx context.Context, advertID string, m *Manager, src MetricsSource, applier BidApplier) {
	start := time.Now()
	defer func() { m.ObserveCycle(advertID, time.Since(start)) }()

	in, err := src.FetchSnapshot(ctx, advertID)
	if err != nil {
		m.RecordFetchFailure(advertID, err)
		return
	}
	in.AdvertID = advertID

	d, err := m.Step(ctx, in)
	if err != nil {
		// Step records its own failure.
		return
	}
	m.RecordApply(ctx, d, applier.ApplyBid(ctx, advertID, d.NewCPM, d.Arm))
}
