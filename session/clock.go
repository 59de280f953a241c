package session

import (
	"sync"
	"time"
)

// Clock schedules callbacks. Callbacks may run on any goroutine; the session
// re-posts them onto its own loop.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Clock.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// loopTimer is a one-shot or repeating timer whose callback runs on the session loop.
type loopTimer struct {
	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func (t *loopTimer) stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *loopTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// after runs f on the loop once d has elapsed, unless stopped first.
func (s *Session) after(d time.Duration, f func()) *loopTimer {
	lt := &loopTimer{}
	if s.closed.Load() {
		lt.stopped = true
		return lt
	}
	lt.mu.Lock()
	lt.timer = s.clock.AfterFunc(d, func() {
		s.post(func() {
			if lt.isStopped() {
				return
			}
			lt.stop()
			f()
		})
	})
	lt.mu.Unlock()
	return lt
}

// every runs f on the loop each time d elapses, until stopped.
func (s *Session) every(d time.Duration, f func()) *loopTimer {
	lt := &loopTimer{}
	if s.closed.Load() {
		lt.stopped = true
		return lt
	}
	var arm func()
	arm = func() {
		lt.mu.Lock()
		defer lt.mu.Unlock()
		if lt.stopped {
			return
		}
		lt.timer = s.clock.AfterFunc(d, func() {
			s.post(func() {
				if lt.isStopped() {
					return
				}
				f()
				arm()
			})
		})
	}
	arm()
	return lt
}
