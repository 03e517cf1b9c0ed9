package storage

import (
	"sort"
	"sync"

	"github.com/luukkk/subtensor/core/neuron"
)

// MemStore is an in-memory Store. Records are deep-copied on the way in and
// out so callers never alias stored state.
type MemStore struct {
	mu      sync.RWMutex
	neurons map[uint32]*neuron.Neuron
	regs    Registers
	prune   map[uint32]struct{}
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		neurons: make(map[uint32]*neuron.Neuron),
		prune:   make(map[uint32]struct{}),
	}
}

func (m *MemStore) Neurons() ([]*neuron.Neuron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*neuron.Neuron, 0, len(m.neurons))
	for _, n := range m.neurons {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (m *MemStore) Neuron(uid uint32) (*neuron.Neuron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.neurons[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

func (m *MemStore) Registers() (Registers, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.regs, nil
}

func (m *MemStore) PruneSet() (map[uint32]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]struct{}, len(m.prune))
	for uid := range m.prune {
		out[uid] = struct{}{}
	}
	return out, nil
}

func (m *MemStore) Commit(cs *ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range cs.Neurons {
		m.neurons[n.UID] = n.Clone()
	}
	for _, n := range cs.Results {
		c := n.Clone()
		c.Weights = nil
		if old, ok := m.neurons[n.UID]; ok {
			c.Weights = old.Weights
		}
		m.neurons[n.UID] = c
	}
	if cs.Registers != nil {
		m.regs = *cs.Registers
	}
	for _, uid := range cs.Prune {
		m.prune[uid] = struct{}{}
	}
	for _, uid := range cs.Unprune {
		delete(m.prune, uid)
	}
	return nil
}

func (m *MemStore) Close() error { return nil }
