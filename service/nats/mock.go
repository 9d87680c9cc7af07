package nats

import (
	"context"
	"sync"
)

// MockPublisher records published events in memory.
type MockPublisher struct {
	mu       sync.RWMutex
	events   []*EnrichedEvent
	failOne  error
	failMany error
	closed   bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishEnriched(ctx context.Context, event *EnrichedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOne != nil {
		return m.failOne
	}
	m.events = append(m.events, event)
	return nil
}

// PublishEnrichedBatch is all or nothing: a configured batch error records no events.
func (m *MockPublisher) PublishEnrichedBatch(ctx context.Context, events []*EnrichedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMany != nil {
		return m.failMany
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Events returns the recorded events in publish order.
func (m *MockPublisher) Events() []*EnrichedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*EnrichedEvent(nil), m.events...)
}

func (m *MockPublisher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Signatures lists the signatures of recorded events in publish order.
func (m *MockPublisher) Signatures() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sigs := make([]string, len(m.events))
	for i, event := range m.events {
		sigs[i] = event.Signature
	}
	return sigs
}

// Matching returns the recorded events a consumer filtered on
// FilterSubject(txType, feePayer) would receive.
func (m *MockPublisher) Matching(txType, feePayer string) []*EnrichedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*EnrichedEvent
	for _, event := range m.events {
		if (txType == "" || string(event.Type) == txType) && (feePayer == "" || event.FeePayer == feePayer) {
			out = append(out, event)
		}
	}
	return out
}

// FailWith makes PublishEnriched return err; nil clears it.
func (m *MockPublisher) FailWith(err error) {
	m.mu.Lock()
	m.failOne = err
	m.mu.Unlock()
}

// FailBatchWith makes PublishEnrichedBatch return err; nil clears it.
func (m *MockPublisher) FailBatchWith(err error) {
	m.mu.Lock()
	m.failMany = err
	m.mu.Unlock()
}

func (m *MockPublisher) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
