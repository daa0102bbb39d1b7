package gamematch

import (
	"sync"
	"time"
)

// TimerToken is a cancellable one-shot timer. Cancellation is best-effort:
// the callback may already be running, so callbacks must re-validate the
// state they fire against.
type TimerToken struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// Cancel stops the timer if it has not fired yet.
func (t *TimerToken) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Scheduler arms one-shot timers. The zero value uses real time; tests swap
// AfterFunc to drive timers by hand.
type Scheduler struct {
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) *time.Timer
}

// Schedule runs fn after d unless the returned token is cancelled first.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *TimerToken {
	after := time.AfterFunc
	if s != nil && s.AfterFunc != nil {
		after = s.AfterFunc
	}
	tok := &TimerToken{}
	tok.timer = after(d, func() {
		tok.mu.Lock()
		cancelled := tok.cancelled
		tok.mu.Unlock()
		if cancelled {
			return
		}
		fn()
	})
	return tok
}
