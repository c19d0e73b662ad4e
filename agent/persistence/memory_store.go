package persistence

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
// Update transactions are serialized by a single writer lock.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]map[string]struct{}
	seqs   map[string]int64
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		sets: make(map[string]map[string]struct{}),
		seqs: make(map[string]int64),
	}
}

// View runs fn against the current state under a read lock.
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return fn(newKVTx(memorySource{s}, true))
}

// Update runs fn under the writer lock and applies its writes on success.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	tx := newKVTx(memorySource{s}, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.flush(memoryWriter{s})
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memorySource struct{ s *MemoryStore }

func (m memorySource) load(key string) ([]byte, error) {
	data, ok := m.s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m memorySource) members(key string) ([]string, error) {
	set := m.s.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

// nextSeq is only reached from Update, which holds the writer lock.
func (m memorySource) nextSeq(name string) (int64, error) {
	m.s.seqs[name]++
	return m.s.seqs[name], nil
}

type memoryWriter struct{ s *MemoryStore }

func (m memoryWriter) put(key string, data []byte) {
	m.s.data[key] = data
}

func (m memoryWriter) sadd(key string, members ...string) {
	set := m.s.sets[key]
	if set == nil {
		set = make(map[string]struct{}, len(members))
		m.s.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
}

func (m memoryWriter) srem(key string, members ...string) {
	set := m.s.sets[key]
	for _, member := range members {
		delete(set, member)
	}
}
