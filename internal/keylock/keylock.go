// Package keylock provides mutual exclusion keyed by string, used to serialize
// operations on the same task or agent while unrelated ones run in parallel.
package keylock

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Set is a set of named locks. The zero value is ready to use.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock set.
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock acquires every key and returns the function releasing them. Keys are
// deduplicated and taken in sorted order, so callers locking overlapping sets
// cannot deadlock.
func (s *Set) Lock(keys ...string) (unlock func()) {
	unlock, _ = s.LockContext(context.Background(), keys...)
	return unlock
}

// LockContext is Lock with cancellation. On error no key is held.
func (s *Set) LockContext(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			s.release(held[i])
		}
	}

	for _, k := range keys {
		e := s.acquireRef(k)
		select {
		case e.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			s.dropRef(k)
			release()
			return func() {}, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Len returns the number of keys currently held or waited on.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Set) acquireRef(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]*entry)
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	return e
}

func (s *Set) dropRef(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

func (s *Set) release(key string) {
	s.mu.Lock()
	e := s.entries[key]
	s.mu.Unlock()
	<-e.ch
	s.dropRef(key)
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
