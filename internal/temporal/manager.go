package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// DefaultCronSchedule runs a campaign cycle at the top of every hour.
const DefaultCronSchedule = "0 * * * *"

// Config holds Temporal connection settings.
type Config struct {
	HostPort     string
	Namespace    string
	TaskQueue    string
	CronSchedule string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
	logger *slog.Logger
}

// New creates a Temporal client and worker, registering the workflow and
// its activities.
func New(cfg Config, acts *Activities, logger *slog.Logger) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(OptimizeCampaignWorkflow)
	w.RegisterActivity(acts)

	m := newManager(c, cfg, logger)
	m.worker = w
	return m, nil
}

func newManager(c client.Client, cfg Config, logger *slog.Logger) *Manager {
	if cfg.CronSchedule == "" {
		cfg.CronSchedule = DefaultCronSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{client: c, cfg: cfg, logger: logger}
}

// WorkflowID is the ID of a campaign's scheduled workflow.
func WorkflowID(advertID string) string {
	return "optimize-" + advertID
}

// ScheduleCampaign starts the campaign's cron workflow. An empty cron uses
// the configured schedule. Returns the run ID.
func (m *Manager) ScheduleCampaign(ctx context.Context, advertID, cron string) (string, error) {
	if cron == "" {
		cron = m.cfg.CronSchedule
	}
	run, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    WorkflowID(advertID),
		TaskQueue:             m.cfg.TaskQueue,
		CronSchedule:          cron,
		WorkflowRunTimeout:    workflowTimeout,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, OptimizeCampaignWorkflow, OptimizeInput{AdvertID: advertID})
	if err != nil {
		return "", fmt.Errorf("schedule campaign %s: %w", advertID, err)
	}
	m.logger.Info("campaign scheduled",
		slog.String("advert_id", advertID),
		slog.String("workflow_id", run.GetID()),
		slog.String("run_id", run.GetRunID()),
		slog.String("cron", cron),
	)
	return run.GetRunID(), nil
}

// UnscheduleCampaign terminates the campaign's cron workflow.
func (m *Manager) UnscheduleCampaign(ctx context.Context, advertID string) error {
	if err := m.client.TerminateWorkflow(ctx, WorkflowID(advertID), "", "unscheduled"); err != nil {
		return fmt.Errorf("unschedule campaign %s: %w", advertID, err)
	}
	return nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// Client returns the Temporal client for starting workflows.
func (m *Manager) Client() client.Client {
	return m.client
}

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
