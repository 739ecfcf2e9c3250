package strand

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

func TestStrandFIFO(t *testing.T) {
	defer leaktest.Check(t)()

	s := New()
	defer s.Stop()

	const n = 1000

	var (
		mtx  sync.Mutex
		got  []int
		done = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		i := i
		s.Post(func() {
			mtx.Lock()
			got = append(got, i)
			mtx.Unlock()
			if i == n-1 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}

	mtx.Lock()
	defer mtx.Unlock()
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestStrandNoOverlap(t *testing.T) {
	defer leaktest.Check(t)()

	s := New()
	defer s.Stop()

	var (
		mtx     sync.Mutex
		running int
		overlap bool
		done    = make(chan struct{})
	)
	for i := 0; i < 100; i++ {
		i := i
		s.Post(func() {
			mtx.Lock()
			running++
			if running > 1 {
				overlap = true
			}
			mtx.Unlock()

			mtx.Lock()
			running--
			mtx.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}

	mtx.Lock()
	defer mtx.Unlock()
	require.False(t, overlap, "tasks overlapped")
}

func TestStrandPostFromTask(t *testing.T) {
	defer leaktest.Check(t)()

	s := New()
	defer s.Stop()

	done := make(chan struct{})
	s.Post(func() {
		// a task posted from inside a task runs after the current one
		s.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for nested task")
	}
}

func TestStrandStopDropsPending(t *testing.T) {
	defer leaktest.Check(t)()

	s := New()

	started := make(chan struct{})
	release := make(chan struct{})
	s.Post(func() {
		close(started)
		<-release
	})

	ran := make(chan struct{})
	s.Post(func() { close(ran) })

	<-started
	s.Stop()
	close(release)

	select {
	case <-ran:
		t.Fatal("pending task ran after Stop")
	case <-time.After(100 * time.Millisecond):
	}

	// posting after Stop must not panic or run
	s.Post(func() { t.Error("task ran on stopped strand") })
	time.Sleep(50 * time.Millisecond)
}
