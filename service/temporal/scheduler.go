package temporal

import (
	"context"
	"time"
)

// Scheduler manages Temporal schedules for split polling.
// Each (merchant, split) pair gets its own schedule that triggers SyncSplitWorkflow.
type Scheduler interface {
	// UpsertSplitSchedule creates the schedule for a split, or updates its interval.
	UpsertSplitSchedule(ctx context.Context, splitAddress, merchantWallet string, interval time.Duration) error

	// DeleteSplitSchedule deletes the schedule for a split.
	// This stops the split from being polled.
	DeleteSplitSchedule(ctx context.Context, splitAddress, merchantWallet string) error
}

// WorkflowStarter starts sync workflows without waiting for them.
type WorkflowStarter interface {
	StartSyncSplit(ctx context.Context, input SyncSplitInput) (string, error)
}

// ScheduleID returns the Temporal schedule ID for a split.
func ScheduleID(splitAddress, merchantWallet string) string {
	return "sync-split-" + merchantWallet + "-" + splitAddress
}

// IndexAllScheduleID is the schedule that sweeps every bound split.
const IndexAllScheduleID = "index-all-splits"
