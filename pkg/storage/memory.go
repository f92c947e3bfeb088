package storage

import (
	"context"
	"sync"
)

// MemoryKV keeps everything in process memory. It does not survive restarts
// and is meant for tests and throwaway clients.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
	sets   map[string]map[string]struct{}
	closed bool
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

// IsMember implements KV.
func (m *MemoryKV) IsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.sets[key][member]
	return ok, nil
}

// Members implements KV.
func (m *MemoryKV) Members(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

// Apply implements KV.
func (m *MemoryKV) Apply(_ context.Context, ops ...Op) error {
	if err := validate(ops); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	applyOps(m.values, m.sets, ops)
	return nil
}

// Close implements KV.
func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// applyOps mutates in-memory maps. Callers validate ops and hold the lock.
func applyOps(values map[string]string, sets map[string]map[string]struct{}, ops []Op) {
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			values[op.Key] = op.Value
		case OpDelete:
			delete(values, op.Key)
		case OpAddMember:
			set, ok := sets[op.Key]
			if !ok {
				set = make(map[string]struct{})
				sets[op.Key] = set
			}
			set[op.Value] = struct{}{}
		}
	}
}
