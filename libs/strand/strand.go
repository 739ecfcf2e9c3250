// Package strand provides a FIFO, single-consumer execution queue used to
// serialize the state mutations of a component. Work may be posted from any
// goroutine; queued closures run one at a time, in posting order, on a single
// consumer goroutine. Components that share an executor remain free-threaded
// with respect to each other while staying serial internally.
package strand

import (
	"sync"
)

// Strand is a serialization context. The zero value is not usable; create
// one with New.
type Strand struct {
	mtx     sync.Mutex
	queue   []func()
	wake    chan struct{}
	quit    chan struct{}
	stopped bool

	stopOnce sync.Once
}

// New creates a Strand and launches its consumer goroutine.
func New() *Strand {
	s := &Strand{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go s.run()
	return s
}

// Post enqueues fn to run on the strand. Post never blocks and may be called
// from inside a running task; the nested task runs after the current one
// returns. Posting to a stopped strand is a no-op.
func (s *Strand) Post(fn func()) {
	s.mtx.Lock()
	if s.stopped {
		s.mtx.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mtx.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the consumer goroutine. The currently running task, if
// any, finishes; tasks still queued are not run. Stop is idempotent and safe
// to call from any goroutine, including from a task on the strand itself.
func (s *Strand) Stop() {
	s.stopOnce.Do(func() {
		s.mtx.Lock()
		s.stopped = true
		s.queue = nil
		s.mtx.Unlock()
		close(s.quit)
	})
}

func (s *Strand) run() {
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		s.mtx.Lock()
		if len(s.queue) == 0 {
			s.mtx.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mtx.Unlock()

		fn()
	}
}
