package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler and WorkflowStarter for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Duration // map[scheduleID]interval
	started   []SyncSplitInput
	createErr error
	deleteErr error
	startErr  error
}

var (
	_ Scheduler       = (*MockScheduler)(nil)
	_ WorkflowStarter = (*MockScheduler)(nil)
)

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]time.Duration),
	}
}

// UpsertSplitSchedule creates or updates a schedule.
func (m *MockScheduler) UpsertSplitSchedule(ctx context.Context, splitAddress, merchantWallet string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	m.schedules[ScheduleID(splitAddress, merchantWallet)] = interval
	return nil
}

// DeleteSplitSchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteSplitSchedule(ctx context.Context, splitAddress, merchantWallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	id := ScheduleID(splitAddress, merchantWallet)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// StartSyncSplit records the workflow input and returns a deterministic ID.
func (m *MockScheduler) StartSyncSplit(ctx context.Context, input SyncSplitInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}
	m.started = append(m.started, input)
	return fmt.Sprintf("sync-split-%s-%s", input.SplitAddress, input.CorrelationID), nil
}

// SetCreateError makes UpsertSplitSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError makes DeleteSplitSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// SetStartError makes StartSyncSplit return an error.
func (m *MockScheduler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// ScheduleExists checks if a schedule exists for a split.
func (m *MockScheduler) ScheduleExists(splitAddress, merchantWallet string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.schedules[ScheduleID(splitAddress, merchantWallet)]
	return exists
}

// GetScheduleInterval returns the interval for a split's schedule.
func (m *MockScheduler) GetScheduleInterval(splitAddress, merchantWallet string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, exists := m.schedules[ScheduleID(splitAddress, merchantWallet)]
	return interval, exists
}

// StartedWorkflows returns the inputs of all started sync workflows.
func (m *MockScheduler) StartedWorkflows() []SyncSplitInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SyncSplitInput, len(m.started))
	copy(out, m.started)
	return out
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}

// Reset clears all schedules and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[string]time.Duration)
	m.started = nil
	m.createErr = nil
	m.deleteErr = nil
	m.startErr = nil
}
