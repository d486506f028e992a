package idle

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckInterval(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{3 * time.Second, 750 * time.Millisecond},
		{time.Minute, time.Second},
		{100 * time.Millisecond, 25 * time.Millisecond},
		{0, time.Millisecond},
	}
	for _, tt := range tests {
		if got := CheckInterval(tt.timeout); got != tt.want {
			t.Errorf("CheckInterval(%v) = %v, want %v", tt.timeout, got, tt.want)
		}
		if tt.timeout > 0 && CheckInterval(tt.timeout) > tt.timeout/4 {
			t.Errorf("interval for %v exceeds a quarter of the timeout", tt.timeout)
		}
	}
}

func TestSchedulerFiresAfterTimeout(t *testing.T) {
	timeout := 300 * time.Millisecond
	fired := make(chan time.Time, 1)
	s := New(timeout, func(last time.Time) { fired <- time.Now() })

	start := time.Now()
	s.Start(start)
	defer s.Stop()

	select {
	case at := <-fired:
		elapsed := at.Sub(start)
		if elapsed < timeout {
			t.Errorf("fired after %v, before timeout %v", elapsed, timeout)
		}
		if elapsed > timeout+s.Interval()+100*time.Millisecond {
			t.Errorf("fired after %v, want within one tick of %v", elapsed, timeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never fired")
	}
	if s.Running() {
		t.Error("scheduler should disarm after firing")
	}
}

func TestSchedulerTouchDefersExpiry(t *testing.T) {
	timeout := 200 * time.Millisecond
	var count atomic.Int32
	s := New(timeout, func(time.Time) { count.Add(1) })
	s.Start(time.Now())
	defer s.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Touch(time.Now())
		time.Sleep(20 * time.Millisecond)
	}
	if n := count.Load(); n != 0 {
		t.Fatalf("fired %d times despite continuous activity", n)
	}

	time.Sleep(timeout + 2*s.Interval() + 50*time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Fatalf("fired %d times after activity stopped, want 1", n)
	}
}

func TestSchedulerTouchIgnoresOlderTimestamps(t *testing.T) {
	s := New(time.Second, nil)
	now := time.Now()
	s.Touch(now)
	s.Touch(now.Add(-time.Minute))
	if !s.LastActivity().Equal(now) {
		t.Errorf("LastActivity = %v, want %v", s.LastActivity(), now)
	}
}

func TestSchedulerStopPreventsExpiry(t *testing.T) {
	var count atomic.Int32
	s := New(50*time.Millisecond, func(time.Time) { count.Add(1) })
	s.Start(time.Now())
	s.Stop()
	s.Stop()
	time.Sleep(150 * time.Millisecond)
	if n := count.Load(); n != 0 {
		t.Fatalf("stopped scheduler fired %d times", n)
	}
}

func TestSchedulerStopFromCallback(t *testing.T) {
	done := make(chan struct{})
	var s *Scheduler
	s = New(20*time.Millisecond, func(time.Time) {
		s.Stop()
		close(done)
	})
	s.Start(time.Now())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback calling Stop deadlocked")
	}
}
