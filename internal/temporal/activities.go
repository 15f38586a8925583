package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/jordanhubbard/cpmbandit/internal/campaign"
	"github.com/jordanhubbard/cpmbandit/internal/events"
	"github.com/jordanhubbard/cpmbandit/internal/marketplace"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Manager  *campaign.Manager
	Source   campaign.MetricsSource
	Applier  campaign.BidApplier
	EventBus *events.Bus
}

// FetchSnapshot reads the campaign's statistics from the marketplace.
func (a *Activities) FetchSnapshot(ctx context.Context, input FetchInput) (campaign.StepInput, error) {
	ctx = marketplace.WithRequestID(ctx, input.RequestID)
	in, err := a.Source.FetchSnapshot(ctx, input.AdvertID)
	if err != nil {
		a.Manager.RecordFetchFailure(input.AdvertID, err)
		return campaign.StepInput{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	a.completed(ctx, "FetchSnapshot", input.AdvertID, input.RequestID)
	return in, nil
}

// Step runs one bandit cycle through the campaign manager.
func (a *Activities) Step(ctx context.Context, input StepInput) (campaign.Decision, error) {
	in := input.Input
	in.RequestID = input.RequestID
	d, err := a.Manager.Step(ctx, in)
	if err != nil {
		return campaign.Decision{}, fmt.Errorf("step: %w", err)
	}
	a.completed(ctx, "Step", in.AdvertID, input.RequestID)
	return d, nil
}

// ApplyBid pushes the decided bid and records the outcome.
func (a *Activities) ApplyBid(ctx context.Context, input ApplyInput) error {
	d := input.Decision
	ctx = marketplace.WithRequestID(ctx, d.RequestID)
	activity.RecordHeartbeat(ctx, "applying")
	err := a.Applier.ApplyBid(ctx, d.AdvertID, d.NewCPM, d.Arm)
	a.Manager.RecordApply(ctx, d, err)
	if err != nil {
		return fmt.Errorf("apply bid: %w", err)
	}
	a.completed(ctx, "ApplyBid", d.AdvertID, d.RequestID)
	return nil
}

// RecordCycle observes the full cycle latency.
func (a *Activities) RecordCycle(ctx context.Context, input CycleInput) error {
	a.Manager.ObserveCycle(input.AdvertID, time.Duration(input.LatencyMs)*time.Millisecond)
	return nil
}

func (a *Activities) completed(ctx context.Context, name, advertID, reqID string) {
	if a.EventBus == nil {
		return
	}
	e := events.Event{
		Type:      events.EventActivityCompleted,
		Activity:  name,
		AdvertID:  advertID,
		RequestID: reqID,
	}
	if activity.IsActivity(ctx) {
		info := activity.GetInfo(ctx)
		e.WorkflowID = info.WorkflowExecution.ID
		if info.WorkflowType != nil {
			e.WorkflowType = info.WorkflowType.Name
		}
	}
	a.EventBus.Publish(e)
}
