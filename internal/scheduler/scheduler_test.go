package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspendResumesOnDeadline(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var timedOut bool
	done := make(chan struct{})

	s.Suspend(time.Now().Add(20*time.Millisecond), func(to bool) {
		mu.Lock()
		timedOut = to
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resume never called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, timedOut)
}

func TestCancelPreventsResume(t *testing.T) {
	s := New()
	called := make(chan struct{}, 1)

	cancel := s.Suspend(time.Now().Add(50*time.Millisecond), func(to bool) {
		called <- struct{}{}
	})
	cancel()

	select {
	case <-called:
		t.Fatal("resume should not fire after cancel")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, 0, s.Len())
}

func TestShutdownResumesAllPending(t *testing.T) {
	s := New()
	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		s.Suspend(time.Now().Add(time.Hour), func(to bool) {
			defer wg.Done()
			assert.True(t, to)
		})
	}
	require.Equal(t, n, s.Len())

	s.Shutdown()

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not resume all waiters")
	}
}

func TestSuspendAfterShutdownResumesImmediately(t *testing.T) {
	s := New()
	s.Shutdown()

	done := make(chan bool, 1)
	s.Suspend(time.Now().Add(time.Hour), func(to bool) { done <- to })

	select {
	case to := <-done:
		assert.True(t, to)
	case <-time.After(time.Second):
		t.Fatal("suspend after shutdown should resume immediately")
	}
}
