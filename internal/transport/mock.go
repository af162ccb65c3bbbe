package transport

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records one Send call on the mock client.
type SentMessage struct {
	To   string
	Text string
}

// MockClient implements Client for tests and the development mode. It
// records sent messages and lets callers simulate transport events.
type MockClient struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	events    chan Event
	sent      []SentMessage
	pairCode  string
	pairErr   error
	sendErr   error
	connects  int
	logouts   int
}

// NewMockClient creates a MockClient with a buffered event channel.
func NewMockClient() *MockClient {
	return &MockClient{
		events:   make(chan Event, 100),
		pairCode: "MOCK-CODE",
	}
}

// Connect marks the client as connected.
func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock client: already closed")
	}
	m.connected = true
	m.connects++
	return nil
}

// Listen returns the event channel. Must be called after Connect.
func (m *MockClient) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock client: not connected")
	}
	return m.events, nil
}

// Send records the outbound message.
func (m *MockClient) Send(ctx context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentMessage{To: to, Text: text})
	return nil
}

// PairPhone returns the configured linking code.
func (m *MockClient) PairPhone(ctx context.Context, phoneNumber string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pairErr != nil {
		return "", m.pairErr
	}
	return m.pairCode, nil
}

// Logout records the logout call and emits the terminal close event.
func (m *MockClient) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.logouts++
	m.mu.Unlock()
	m.Emit(StateChange{State: StateClosed, Reason: ReasonLoggedOut})
	return nil
}

// Close shuts down the mock client and closes the event channel.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.events)
	return nil
}

// Emit pushes an event onto the stream, simulating transport activity.
func (m *MockClient) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- ev
}

// Sent returns a copy of the recorded outbound messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Connects returns how many times Connect was called.
func (m *MockClient) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Logouts returns how many times Logout was called.
func (m *MockClient) Logouts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logouts
}

// SetPairCode configures the linking code returned by PairPhone.
func (m *MockClient) SetPairCode(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairCode = code
}

// SetPairErr makes PairPhone fail.
func (m *MockClient) SetPairErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairErr = err
}

// SetSendErr makes Send fail.
func (m *MockClient) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}
