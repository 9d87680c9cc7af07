package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Duration // map[scheduleID]interval
	started   []EnrichBatchInput
	startErr  error
	createErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]time.Duration),
	}
}

// StartEnrichBatch records the input and returns a deterministic workflow id.
func (m *MockScheduler) StartEnrichBatch(ctx context.Context, input EnrichBatchInput) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = append(m.started, input)
	return fmt.Sprintf("enrich-batch-%d", len(m.started)), nil
}

// UpsertBackfillSchedule records that a schedule was created or updated.
func (m *MockScheduler) UpsertBackfillSchedule(ctx context.Context, input BackfillAddressInput, interval time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.schedules[ScheduleID(input.Address)] = interval
	return nil
}

// DeleteBackfillSchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteBackfillSchedule(ctx context.Context, address string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := ScheduleID(address)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// HasSchedule reports whether a schedule exists for address.
func (m *MockScheduler) HasSchedule(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.schedules[ScheduleID(address)]
	return exists
}

// GetInterval returns the interval for an address schedule.
func (m *MockScheduler) GetInterval(address string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, exists := m.schedules[ScheduleID(address)]
	return interval, exists
}

// Started returns the inputs of every started batch workflow.
func (m *MockScheduler) Started() []EnrichBatchInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EnrichBatchInput, len(m.started))
	copy(out, m.started)
	return out
}

// SetStartError configures StartEnrichBatch to fail.
func (m *MockScheduler) SetStartError(err error) {
	m.startErr = err
}

// SetCreateError configures UpsertBackfillSchedule to fail.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError configures DeleteBackfillSchedule to fail.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}
