package buffer

import (
	"sync"

	"github.com/juju/errors"
)

const (
	OpAppend  = "append"
	OpReadAll = "read-all"
	OpClear   = "clear"
	OpCommit  = "commit"
)

// Mem is in-memory Store for tests, with failure injection per operation.
type Mem struct {
	mu      sync.Mutex
	records [][]byte
	errs    map[string]error
	calls   map[string]int
}

func NewMem(records ...[]byte) *Mem {
	m := &Mem{
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
	for _, r := range records {
		m.records = append(m.records, append([]byte(nil), r...))
	}
	return m
}

// SetErr makes op fail with err until reset with nil.
func (m *Mem) SetErr(op string, err error) {
	m.mu.Lock()
	m.errs[op] = err
	m.mu.Unlock()
}

func (m *Mem) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Mem) enter(op string) error {
	m.calls[op]++
	return m.errs[op]
}

func (m *Mem) Append(record []byte) error {
	if err := validRecord(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAppend); err != nil {
		return err
	}
	m.records = append(m.records, append([]byte(nil), record...))
	return nil
}

func (m *Mem) ReadAll() ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpReadAll); err != nil {
		return nil, err
	}
	return m.snapshot(), nil
}

// Records returns content bypassing failure injection and call counting.
func (m *Mem) Records() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Mem) snapshot() [][]byte {
	if len(m.records) == 0 {
		return nil
	}
	rs := make([][]byte, len(m.records))
	for i, r := range m.records {
		rs[i] = append([]byte(nil), r...)
	}
	return rs
}

func (m *Mem) Len() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *Mem) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpClear); err != nil {
		return err
	}
	m.records = nil
	return nil
}

func (m *Mem) Commit(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCommit); err != nil {
		return errors.Annotate(err, "buffer commit")
	}
	if err := commitRange(n, len(m.records)); err != nil {
		return err
	}
	m.records = m.records[n:]
	return nil
}

func (m *Mem) Close() error { return nil }
