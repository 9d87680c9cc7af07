package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartEnrichBatch starts EnrichBatchWorkflow on the configured task queue.
func (c *Client) StartEnrichBatch(ctx context.Context, input EnrichBatchInput) (string, error) {
	id := batchWorkflowID(input, time.Now())

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, EnrichBatchWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start enrich batch workflow",
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("enrich batch workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"count", len(input.Transactions),
	)

	return run.GetID(), nil
}

// batchWorkflowID keys a batch by its first signature so a redelivered
// webhook payload does not start a second concurrent run.
func batchWorkflowID(input EnrichBatchInput, now time.Time) string {
	if len(input.Transactions) > 0 {
		if sig := input.Transactions[0].Signature(); sig != "" {
			return fmt.Sprintf("enrich-batch-%s-%d", sig, len(input.Transactions))
		}
	}
	return fmt.Sprintf("enrich-batch-%d", now.UnixNano())
}

// createBackfillSchedule creates a new Temporal schedule for backfilling an address.
func (c *Client) createBackfillSchedule(ctx context.Context, input BackfillAddressInput, interval time.Duration) error {
	id := ScheduleID(input.Address)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "backfill-" + input.Address,
			Workflow:  BackfillAddressWorkflow,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{input},
		},
		Memo: map[string]interface{}{
			"address":    input.Address,
			"created_by": "solenrich",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"address", input.Address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("backfill schedule created",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)

	return nil
}

// UpsertBackfillSchedule creates or updates the backfill schedule for an address.
// If the schedule already exists, its interval and arguments are replaced.
func (c *Client) UpsertBackfillSchedule(ctx context.Context, input BackfillAddressInput, interval time.Duration) error {
	id := ScheduleID(input.Address)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.createBackfillSchedule(ctx, input, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			if action, ok := in.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{input}
			}
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"address", input.Address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("backfill schedule updated",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)

	return nil
}

// DeleteBackfillSchedule deletes the backfill schedule for an address.
func (c *Client) DeleteBackfillSchedule(ctx context.Context, address string) error {
	id := ScheduleID(address)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("backfill schedule deleted",
		"address", address,
		"schedule_id", id,
	)

	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
