// Package idle stops a recording after a configured period without activity.
package idle

import (
	"log/slog"
	"sync"
	"time"
)

const (
	maxCheckInterval = time.Second
	minCheckInterval = time.Millisecond
)

// Scheduler watches the last-activity timestamp while a recording is running
// and calls onExpire once when it is older than the timeout. It only
// observes; it never records.
type Scheduler struct {
	timeout  time.Duration
	interval time.Duration
	onExpire func(last time.Time)
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a stopped scheduler.
func New(timeout time.Duration, onExpire func(last time.Time)) *Scheduler {
	return &Scheduler{
		timeout:  timeout,
		interval: CheckInterval(timeout),
		onExpire: onExpire,
		now:      time.Now,
	}
}

// CheckInterval returns the polling period for timeout: at most a quarter
// of it, capped at one second.
func CheckInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval > maxCheckInterval {
		interval = maxCheckInterval
	}
	if interval < minCheckInterval {
		interval = minCheckInterval
	}
	return interval
}

// Timeout returns the configured idle timeout.
func (s *Scheduler) Timeout() time.Duration { return s.timeout }

// Interval returns the check period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start begins watching with last activity at t. Starting a running
// scheduler only resets the deadline.
func (s *Scheduler) Start(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = t
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	slog.Debug("Idle scheduler started", "timeout", s.timeout, "interval", s.interval)
}

// Touch records activity at t. Older timestamps are ignored so late
// packets from a slow device cannot move the deadline backwards.
func (s *Scheduler) Touch(t time.Time) {
	s.mu.Lock()
	if t.After(s.last) {
		s.last = t
	}
	s.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *Scheduler) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Running reports whether the scheduler is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop disarms the scheduler and waits for its goroutine. It is safe to
// call from onExpire and on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

func (s *Scheduler) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			last := s.last
			expired := s.running && now.Sub(last) >= s.timeout
			if expired {
				s.running = false
			}
			s.mu.Unlock()
			if !expired {
				continue
			}
			slog.Info("Idle timeout reached", "timeout", s.timeout, "last_activity", last.Format(time.RFC3339Nano))
			// running is already false, so onExpire may call Stop.
			if s.onExpire != nil {
				s.onExpire(last)
			}
			return
		}
	}
}
