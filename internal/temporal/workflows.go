package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout = 60 * time.Second
	workflowTimeout = 5 * time.Minute
)

// OptimizeCampaignWorkflow runs one optimization cycle for a campaign:
// fetch the period's statistics, step the bandit, apply the new bid.
// Activities are never retried: a replayed Step would credit a reward twice.
func OptimizeCampaignWorkflow(ctx workflow.Context, input OptimizeInput) (OptimizeOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	start := workflow.Now(ctx)
	reqID := input.RequestID
	if reqID == "" {
		reqID = workflow.GetInfo(ctx).WorkflowExecution.RunID
	}

	var out OptimizeOutput
	finish := func(err error) (OptimizeOutput, error) {
		out.LatencyMs = workflow.Now(ctx).Sub(start).Milliseconds()
		if err != nil {
			out.Error = err.Error()
		}
		_ = workflow.ExecuteActivity(ctx, (*Activities).RecordCycle,
			CycleInput{AdvertID: input.AdvertID, LatencyMs: out.LatencyMs}).Get(ctx, nil)
		return out, err
	}

	// Step 1: read the period's statistics.
	var snap StepInput
	err := workflow.ExecuteActivity(ctx, (*Activities).FetchSnapshot,
		FetchInput{AdvertID: input.AdvertID, RequestID: reqID}).Get(ctx, &snap.Input)
	if err != nil {
		return finish(err)
	}
	snap.Input.AdvertID = input.AdvertID
	snap.RequestID = reqID

	// Step 2: reward the pending arm and select the next one.
	if err := workflow.ExecuteActivity(ctx, (*Activities).Step, snap).Get(ctx, &out.Decision); err != nil {
		return finish(err)
	}

	// Step 3: push the bid.
	if err := workflow.ExecuteActivity(ctx, (*Activities).ApplyBid, ApplyInput{Decision: out.Decision}).Get(ctx, nil); err != nil {
		return finish(err)
	}
	out.Applied = true
	return finish(nil)
}
