package publish

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

var ErrMockPublish = errors.New("mock publish failed")

// Mock replays scripted outcomes per call, then Default.
// Delivered payloads are recorded in order.
type Mock struct {
	mu        sync.Mutex
	opens     []error
	publishes []error
	delivered [][]byte
	calls     struct{ open, publish, close int }
	active    int

	Default error
	// Hook observes every call: "open", "publish", "close".
	Hook func(op string)
}

func NewMock() *Mock { return &Mock{} }

// Script appends Publish outcomes, nil for success.
func (m *Mock) Script(outcomes ...error) {
	m.mu.Lock()
	m.publishes = append(m.publishes, outcomes...)
	m.mu.Unlock()
}

// ScriptOpen appends Open outcomes, nil for success.
func (m *Mock) ScriptOpen(outcomes ...error) {
	m.mu.Lock()
	m.opens = append(m.opens, outcomes...)
	m.mu.Unlock()
}

func (m *Mock) SetDefault(err error) {
	m.mu.Lock()
	m.Default = err
	m.mu.Unlock()
}

func (m *Mock) Delivered() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.delivered...)
}

func (m *Mock) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls.open
}

func (m *Mock) Publishes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls.publish
}

// Active counts sessions opened and not closed.
func (m *Mock) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Mock) hook(op string) {
	if m.Hook != nil {
		m.Hook(op)
	}
}

func (m *Mock) next(queue *[]error) error {
	if len(*queue) == 0 {
		return m.Default
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (m *Mock) Open(ctx context.Context) (Session, error) {
	m.hook("open")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.open++
	if err := m.next(&m.opens); err != nil {
		return nil, err
	}
	m.active++
	return &mockSession{m: m}, nil
}

type mockSession struct {
	m      *Mock
	closed bool
}

func (s *mockSession) Publish(ctx context.Context, payload []byte) error {
	s.m.hook("publish")
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.calls.publish++
	if s.closed {
		return errors.New("mock session closed")
	}
	if err := s.m.next(&s.m.publishes); err != nil {
		return err
	}
	s.m.delivered = append(s.m.delivered, append([]byte(nil), payload...))
	return nil
}

func (s *mockSession) Close() error {
	s.m.hook("close")
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.m.active--
		s.m.calls.close++
	}
	return nil
}
