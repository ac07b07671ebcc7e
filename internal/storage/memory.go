package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/senutpal/quorumkv/internal/paxos"
)

var ErrClosed = errors.New("storage: closed")

type MemoryStorage struct {
	mu      sync.RWMutex
	records map[paxos.InstanceID]paxos.AcceptorState
	closed  bool
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[paxos.InstanceID]paxos.AcceptorState)}
}

func (m *MemoryStorage) Load(instance paxos.InstanceID) (paxos.AcceptorState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return paxos.AcceptorState{}, false, ErrClosed
	}
	st, ok := m.records[instance]
	if !ok {
		return paxos.AcceptorState{}, false, nil
	}
	return copyState(st), true, nil
}

func (m *MemoryStorage) Save(instance paxos.InstanceID, state paxos.AcceptorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[instance] = copyState(state)
	return nil
}

func (m *MemoryStorage) Delete(instance paxos.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, instance)
	return nil
}

func (m *MemoryStorage) Instances() ([]paxos.InstanceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ids := make([]paxos.InstanceID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	log.Debugw("closing memory storage", "instances", len(m.records))
	m.closed = true
	m.records = nil
	return nil
}

func copyState(st paxos.AcceptorState) paxos.AcceptorState {
	if st.Value != nil {
		v := make([]byte, len(st.Value))
		copy(v, st.Value)
		st.Value = v
	}
	return st
}
