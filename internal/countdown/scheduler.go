// Package countdown drives the per-second countdown of the active poll question.
package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Handle identifies one started countdown. The zero Handle never refers to a countdown.
type Handle uint64

// Kind distinguishes tick and expiry notifications.
type Kind int

const (
	// KindTick carries a new remaining-seconds value.
	KindTick Kind = iota
	// KindExpired is sent once when a countdown reaches zero.
	KindExpired
)

// Notification is emitted on Scheduler.C for every tick and the final expiry.
type Notification struct {
	Handle    Handle
	Kind      Kind
	Remaining int
}

// Scheduler runs at most one countdown at a time. Starting a new countdown
// cancels the previous one before the new one emits anything.
type Scheduler struct {
	clock  clockwork.Clock
	logger *zap.Logger
	out    chan Notification

	mu      sync.Mutex
	last    Handle
	current Handle
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a scheduler. A nil clock means the real clock.
func NewScheduler(clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger,
		out:    make(chan Notification),
	}
}

// C delivers notifications. It is unbuffered: a countdown waits for its
// consumer, and a cancelled countdown never delivers after Start or Cancel returns.
func (s *Scheduler) C() <-chan Notification {
	return s.out
}

// Start cancels any running countdown and begins a new one of the given length.
// The first notification carries the full duration; then one per second down to 0,
// followed by a single KindExpired.
func (s *Scheduler) Start(seconds int) Handle {
	if seconds < 0 {
		seconds = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	s.last++
	h := s.last
	stop := make(chan struct{})
	done := make(chan struct{})
	s.current, s.stop, s.done = h, stop, done

	start := s.clock.Now()
	ticker := s.clock.NewTicker(time.Second)
	go s.run(h, seconds, start, ticker, stop, done)

	s.logger.Debug("countdown started", zap.Uint64("handle", uint64(h)), zap.Int("seconds", seconds))
	return h
}

// Cancel stops the countdown identified by h. Stale handles are ignored.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == 0 || h != s.current {
		return false
	}
	s.cancelLocked()
	s.logger.Debug("countdown cancelled", zap.Uint64("handle", uint64(h)))
	return true
}

// Stop cancels whatever countdown is running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Running reports whether a countdown is still ticking.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) cancelLocked() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.current, s.stop, s.done = 0, nil, nil
}

// run derives each value from the time elapsed since start, so ticks the
// consumer was too busy to take shorten the countdown instead of stretching it.
func (s *Scheduler) run(h Handle, seconds int, start time.Time, ticker clockwork.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	remaining := seconds
	if !s.emit(stop, Notification{Handle: h, Kind: KindTick, Remaining: remaining}) {
		return
	}
	for remaining > 0 {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}
		next := seconds - int(s.clock.Since(start)/time.Second)
		if next < 0 {
			next = 0
		}
		if next >= remaining {
			continue
		}
		remaining = next
		if !s.emit(stop, Notification{Handle: h, Kind: KindTick, Remaining: remaining}) {
			return
		}
	}
	if s.emit(stop, Notification{Handle: h, Kind: KindExpired}) {
		s.logger.Debug("countdown expired", zap.Uint64("handle", uint64(h)))
	}
}

func (s *Scheduler) emit(stop <-chan struct{}, n Notification) bool {
	select {
	case s.out <- n:
		return true
	case <-stop:
		return false
	}
}
