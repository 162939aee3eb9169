package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var (
	_ Scheduler       = (*Client)(nil)
	_ WorkflowStarter = (*Client)(nil)
)

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

// CreateSplitSchedule creates a new Temporal schedule for polling a split contract.
func (c *Client) CreateSplitSchedule(ctx context.Context, splitAddress, merchantWallet string, interval time.Duration) error {
	id := ScheduleID(splitAddress, merchantWallet)

	c.logger.Debug("creating split schedule",
		"split", splitAddress,
		"merchant", merchantWallet,
		"schedule_id", id,
		"interval", interval,
	)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "sync-split-" + splitAddress,
			Workflow:  SyncSplitWorkflowName,
			TaskQueue: c.taskQueue,
			Args: []interface{}{SyncSplitInput{
				SplitAddress:   splitAddress,
				MerchantWallet: merchantWallet,
				Trigger:        "schedule",
			}},
		},
		Memo: map[string]interface{}{
			"split_address":   splitAddress,
			"merchant_wallet": merchantWallet,
			"created_by":      "splitledger",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"split", splitAddress,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("split schedule created",
		"split", splitAddress,
		"merchant", merchantWallet,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// UpsertSplitSchedule creates or updates a Temporal schedule for polling a split contract.
// If the schedule already exists, it updates the poll interval. Otherwise, it creates a new schedule.
func (c *Client) UpsertSplitSchedule(ctx context.Context, splitAddress, merchantWallet string, interval time.Duration) error {
	id := ScheduleID(splitAddress, merchantWallet)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.CreateSplitSchedule(ctx, splitAddress, merchantWallet, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"split", splitAddress,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("split schedule updated",
		"split", splitAddress,
		"merchant", merchantWallet,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeleteSplitSchedule deletes the Temporal schedule for a split contract.
func (c *Client) DeleteSplitSchedule(ctx context.Context, splitAddress, merchantWallet string) error {
	id := ScheduleID(splitAddress, merchantWallet)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"split", splitAddress,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("split schedule deleted",
		"split", splitAddress,
		"merchant", merchantWallet,
		"schedule_id", id,
	)
	return nil
}

// UpsertIndexAllSchedule creates or updates the schedule that sweeps every bound split.
func (c *Client) UpsertIndexAllSchedule(ctx context.Context, interval time.Duration) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, IndexAllScheduleID)
	if _, err := handle.Describe(ctx); err == nil {
		if err := handle.Delete(ctx); err != nil {
			return fmt.Errorf("failed to replace schedule %q: %w", IndexAllScheduleID, err)
		}
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: IndexAllScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        IndexAllScheduleID,
			Workflow:  IndexAllSplitsWorkflowName,
			TaskQueue: c.taskQueue,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule %q: %w", IndexAllScheduleID, err)
	}
	c.logger.Info("index-all schedule set", "interval", interval)
	return nil
}

// ListSchedules returns the IDs of all schedules in the namespace.
func (c *Client) ListSchedules(ctx context.Context) ([]string, error) {
	iter, err := c.client.ScheduleClient().List(ctx, client.ScheduleListOptions{PageSize: 100})
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	var ids []string
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to list schedules: %w", err)
		}
		ids = append(ids, entry.ID)
	}
	return ids, nil
}

// StartSyncSplit starts a SyncSplitWorkflow and returns its workflow ID.
// A sync already running for the same split and correlation id is reused.
func (c *Client) StartSyncSplit(ctx context.Context, input SyncSplitInput) (string, error) {
	workflowID := fmt.Sprintf("sync-split-%s-%s", input.SplitAddress, input.CorrelationID)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                c.taskQueue,
		WorkflowExecutionTimeout: 30 * time.Minute,
	}, SyncSplitWorkflowName, input)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return workflowID, nil
		}
		return "", fmt.Errorf("failed to start sync workflow: %w", err)
	}

	c.logger.Info("sync workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"split", input.SplitAddress,
		"trigger", input.Trigger,
	)
	return run.GetID(), nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
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
