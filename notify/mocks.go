package notify

import (
	"context"
	"sync"

	"themis/core"
)

// MockSink is a test double for a notification channel. Queue errors
// with FailWith; once the queue is drained sends succeed.
type MockSink struct {
	ChannelName string

	mu     sync.Mutex
	queued []error
	sent   []*core.Alert
}

// NewMockSink creates a mock channel with the given name.
func NewMockSink(name string) *MockSink {
	return &MockSink{ChannelName: name}
}

func (m *MockSink) Name() string { return m.ChannelName }

// FailWith queues errors to return from the next sends, in order.
func (m *MockSink) FailWith(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, errs...)
}

// Send records the alert and returns the next queued error, if any.
func (m *MockSink) Send(_ context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queued) > 0 {
		err := m.queued[0]
		m.queued = m.queued[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, alert)
	return nil
}

// Sent returns the alerts that were delivered successfully.
func (m *MockSink) Sent() []*core.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Alert, len(m.sent))
	copy(out, m.sent)
	return out
}
