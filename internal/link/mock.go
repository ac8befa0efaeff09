package link

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

var ErrMockDown = errors.New("mock link down")

// Mock replays scripted Connect outcomes, last one repeats.
// IsConnected is true after successful Connect until SetUp(false).
type Mock struct {
	mu       sync.Mutex
	script   []bool
	up       bool
	connects int
	creds    []Credentials
}

func NewMock(script ...bool) *Mock { return &Mock{script: script} }

func (m *Mock) Connect(ctx context.Context, cred Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	m.creds = append(m.creds, cred)
	ok := false
	if len(m.script) != 0 {
		ok = m.script[0]
		if len(m.script) > 1 {
			m.script = m.script[1:]
		}
	}
	m.up = ok
	if !ok {
		return ErrMockDown
	}
	return nil
}

func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

// SetUp simulates link loss or recovery without Connect.
func (m *Mock) SetUp(up bool) {
	m.mu.Lock()
	m.up = up
	m.mu.Unlock()
}

func (m *Mock) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *Mock) LastCredentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.creds) == 0 {
		return Credentials{}
	}
	return m.creds[len(m.creds)-1]
}

func (m *Mock) Close() error {
	m.SetUp(false)
	return nil
}
