package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_SameKeyIsExclusive(t *testing.T) {
	s := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("task:T1")
			defer unlock()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, s.Len())
}

func TestSet_DisjointKeysRunInParallel(t *testing.T) {
	s := New()
	unlockA := s.Lock("task:A")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := s.Lock("task:B")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on unrelated key blocked")
	}
}

func TestSet_OverlappingSetsDoNotDeadlock(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Lock("agent:a", "task:T", "agent:b")()
		}()
		go func() {
			defer wg.Done()
			s.Lock("agent:b", "agent:a", "agent:b")()
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock")
	}
	assert.Equal(t, 0, s.Len())
}

func TestSet_LockContextCancel(t *testing.T) {
	s := New()
	unlock := s.Lock("task:T")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.LockContext(ctx, "agent:x", "task:T")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// agent:x was released on failure
	release, err := s.LockContext(context.Background(), "agent:x")
	require.NoError(t, err)
	release()

	unlock()
	unlock()
	assert.Equal(t, 0, s.Len())
}

func TestSet_ZeroValue(t *testing.T) {
	var s Set
	unlock := s.Lock("k", "")
	unlock()
	assert.Equal(t, 0, s.Len())
}
