package chat

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter implements Adapter for testing. It records dashboard
// publishes, thread posts, and acks, and allows simulating inbound
// events via SimulateInbound.
type MockAdapter struct {
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan Event
	dashboards    []DashboardView
	dashboardID   string
	threadCounter int
	threads       map[string]ThreadRef
	posts         map[string][]string // threadID -> posted texts
	acks          []RecordedAck
}

// RecordedAck is one Acknowledge call captured by the mock.
type RecordedAck struct {
	Event Event
	Ack   Ack
	Note  string
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan Event, 100),
		threads: make(map[string]ThreadRef),
		posts:   make(map[string][]string),
	}
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// SimulateInbound injects an inbound event as if the platform delivered it.
func (m *MockAdapter) SimulateInbound(ev Event) {
	m.inbound <- ev
}

// CreateThread records a new thread with a sequential ID.
func (m *MockAdapter) CreateThread(ctx context.Context, name string) (ThreadRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threadCounter++
	ref := ThreadRef{ID: fmt.Sprintf("mock-thread-%d", m.threadCounter), Name: name}
	m.threads[ref.ID] = ref
	return ref, nil
}

// FetchThread resolves a previously created thread.
func (m *MockAdapter) FetchThread(ctx context.Context, id string) (ThreadRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.threads[id]
	if !ok {
		return ThreadRef{}, ErrNotFound
	}
	return ref, nil
}

// PostChunk records a posted chunk.
func (m *MockAdapter) PostChunk(ctx context.Context, threadID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[threadID] = append(m.posts[threadID], text)
	return nil
}

// PublishDashboard records the view and returns a stable message ID.
func (m *MockAdapter) PublishDashboard(ctx context.Context, messageID string, view DashboardView) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dashboards = append(m.dashboards, view)
	if messageID != "" {
		m.dashboardID = messageID
	} else if m.dashboardID == "" {
		m.dashboardID = "mock-dashboard-1"
	}
	return m.dashboardID, nil
}

// Acknowledge records the ack.
func (m *MockAdapter) Acknowledge(ctx context.Context, ev Event, ack Ack, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, RecordedAck{Event: ev, Ack: ack, Note: note})
	return nil
}

// Dashboards returns a copy of all published dashboard views.
func (m *MockAdapter) Dashboards() []DashboardView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DashboardView(nil), m.dashboards...)
}

// Acks returns a copy of all recorded acks.
func (m *MockAdapter) Acks() []RecordedAck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedAck(nil), m.acks...)
}

// Posts returns the texts posted into a thread.
func (m *MockAdapter) Posts(threadID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.posts[threadID]...)
}
