package ringbuffer

import (
	"testing"
	"time"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func feed(b *Buffer[int], from, to, step time.Duration) time.Time {
	var last time.Time
	for d := from; d < to; d += step {
		last = base.Add(d)
		b.Push(last, int(d/step))
	}
	return last
}

func TestCapacityFor(t *testing.T) {
	tests := []struct {
		name   string
		window time.Duration
		rate   float64
		want   int
	}{
		{"five seconds at 50 chunks", 5 * time.Second, 50, 250},
		{"rounds up", 1500 * time.Millisecond, 3, 5},
		{"zero window", 0, 100, 1},
		{"zero rate", time.Second, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CapacityFor(tt.window, tt.rate); got != tt.want {
				t.Errorf("CapacityFor(%v, %v) = %d, want %d", tt.window, tt.rate, got, tt.want)
			}
		})
	}
}

func TestPushKeepsOnlyWindow(t *testing.T) {
	for _, preRoll := range []time.Duration{time.Second, 2 * time.Second, 5 * time.Second} {
		t.Run(preRoll.String(), func(t *testing.T) {
			b := New[int](preRoll, 10)
			now := feed(b, 0, 12*time.Second, 100*time.Millisecond)

			entries := b.Snapshot()
			if len(entries) == 0 {
				t.Fatal("expected buffered entries")
			}
			if len(entries) > b.Capacity() {
				t.Fatalf("buffer holds %d entries, capacity %d", len(entries), b.Capacity())
			}
			for _, e := range entries {
				if e.Time.Before(now.Add(-preRoll)) || e.Time.After(now) {
					t.Errorf("entry at %v outside [%v, %v]", e.Time, now.Add(-preRoll), now)
				}
			}
			for i := 1; i < len(entries); i++ {
				if entries[i].Time.Before(entries[i-1].Time) {
					t.Fatalf("entries out of order at %d", i)
				}
			}
		})
	}
}

func TestTimeWindowEvictsAfterGap(t *testing.T) {
	b := New[int](2*time.Second, 10)
	b.Push(base, 1)
	b.Push(base.Add(500*time.Millisecond), 2)
	b.Push(base.Add(10*time.Second), 3)

	entries := b.Snapshot()
	if len(entries) != 1 || entries[0].Value != 3 {
		t.Fatalf("expected only the newest entry after a gap, got %+v", entries)
	}
	if b.Evicted() != 2 {
		t.Errorf("evicted = %d, want 2", b.Evicted())
	}
}

func TestDrainFromIsNonDestructive(t *testing.T) {
	b := New[int](5*time.Second, 10)
	feed(b, 0, 5*time.Second, 100*time.Millisecond)

	from := base.Add(3 * time.Second)
	first := b.DrainFrom(from)
	if len(first) != 20 {
		t.Fatalf("DrainFrom returned %d entries, want 20", len(first))
	}
	if !first[0].Time.Equal(from) {
		t.Errorf("first drained entry at %v, want %v", first[0].Time, from)
	}
	second := b.DrainFrom(from)
	if len(second) != len(first) {
		t.Errorf("second drain returned %d entries, want %d", len(second), len(first))
	}
	if b.Len() != 50 {
		t.Errorf("buffer length after drain = %d, want 50", b.Len())
	}
}

func TestResizeKeepsRecentEntries(t *testing.T) {
	tests := []struct {
		name     string
		oldRoll  time.Duration
		newRoll  time.Duration
		wantKeep int
	}{
		{"shrink", 5 * time.Second, 2 * time.Second, 20},
		{"grow", 5 * time.Second, 8 * time.Second, 50},
		{"same", 3 * time.Second, 3 * time.Second, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New[int](tt.oldRoll, 10)
			now := feed(b, 0, 10*time.Second, 100*time.Millisecond)

			before := b.Snapshot()
			b.Resize(tt.newRoll)
			after := b.Snapshot()

			if len(after) != tt.wantKeep {
				t.Fatalf("kept %d entries, want %d", len(after), tt.wantKeep)
			}
			limit := tt.oldRoll
			if tt.newRoll < limit {
				limit = tt.newRoll
			}
			cutoff := now.Add(-limit)
			kept := make(map[time.Time]bool, len(after))
			for _, e := range after {
				kept[e.Time] = true
			}
			for _, e := range before {
				if e.Time.After(cutoff) && !kept[e.Time] {
					t.Errorf("entry at %v newer than cutoff was discarded", e.Time)
				}
			}
			if b.Window() != tt.newRoll {
				t.Errorf("window = %v, want %v", b.Window(), tt.newRoll)
			}
		})
	}
}

func TestOldestNewestAndReset(t *testing.T) {
	b := New[int](time.Second, 10)
	if _, ok := b.Oldest(); ok {
		t.Fatal("empty buffer should report no oldest entry")
	}
	b.Push(base, 1)
	b.Push(base.Add(200*time.Millisecond), 2)

	oldest, _ := b.Oldest()
	newest, _ := b.Newest()
	if !oldest.Equal(base) || !newest.Equal(base.Add(200*time.Millisecond)) {
		t.Errorf("oldest/newest = %v/%v", oldest, newest)
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len after Reset = %d", b.Len())
	}
}
