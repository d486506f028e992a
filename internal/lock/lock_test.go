package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sessionDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "20260101-120000.000")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestAcquireIsExclusive(t *testing.T) {
	dir := sessionDir(t)
	owner := Owner{Host: "studio", PID: 100, Instance: "a"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := Acquire(dir, owner, "s1", now); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := Acquire(dir, Owner{Host: "studio", PID: 200, Instance: "b"}, "s1", now)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire error = %v, want ErrHeld", err)
	}

	l, err := Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if l.Owner != owner || l.SessionID != "s1" || !l.Heartbeat.Equal(now) {
		t.Errorf("lock = %+v", l)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestStaleThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		age   time.Duration
		stale bool
	}{
		{"fresh", time.Minute, false},
		{"59 minutes", 59 * time.Minute, false},
		{"exactly 60 minutes", 60 * time.Minute, false},
		{"60 minutes and a second", 60*time.Minute + time.Second, true},
		{"61 minutes", 61 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Lock{Heartbeat: now.Add(-tt.age)}
			if got := IsStale(l, now); got != tt.stale {
				t.Errorf("IsStale = %v, want %v", got, tt.stale)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	origAlive := ProcessAlive
	t.Cleanup(func() { ProcessAlive = origAlive })
	ProcessAlive = func(pid int) bool { return pid == 42 }

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	me := Owner{Host: "studio", PID: 7, Instance: "me"}
	fresh := now.Add(-time.Minute)
	aged := now.Add(-61 * time.Minute)

	tests := []struct {
		name   string
		lock   Lock
		active string
		want   State
	}{
		{"own lock recording", Lock{Owner: me, SessionID: "s1", Heartbeat: fresh}, "s1", Held},
		{"own lock after failed finalize", Lock{Owner: me, SessionID: "s1", Heartbeat: fresh}, "", Orphaned},
		{"own lock while recording another session", Lock{Owner: me, SessionID: "s1", Heartbeat: fresh}, "s2", Orphaned},
		{"foreign host fresh", Lock{Owner: Owner{Host: "laptop", PID: 1, Instance: "x"}, SessionID: "s1", Heartbeat: fresh}, "s1", Live},
		{"foreign host aged", Lock{Owner: Owner{Host: "laptop", PID: 1, Instance: "x"}, Heartbeat: aged}, "", Stale},
		{"same host alive", Lock{Owner: Owner{Host: "studio", PID: 42, Instance: "y"}, Heartbeat: fresh}, "", Live},
		{"same host dead", Lock{Owner: Owner{Host: "studio", PID: 43, Instance: "y"}, Heartbeat: fresh}, "", Orphaned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(&tt.lock, me, tt.active, now)
			if got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
			if got.Repairable() != (tt.want == Stale || tt.want == Orphaned) {
				t.Errorf("Repairable = %v for %s", got.Repairable(), got)
			}
		})
	}
}

func TestHeartbeatAndRelease(t *testing.T) {
	dir := sessionDir(t)
	owner := Owner{Host: "studio", PID: 100, Instance: "a"}
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := Acquire(dir, owner, "s1", start); err != nil {
		t.Fatal(err)
	}
	later := start.Add(30 * time.Second)
	if err := Heartbeat(dir, owner, later); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	l, _ := Read(dir)
	if !l.Heartbeat.Equal(later) || !l.Created.Equal(start) {
		t.Errorf("after heartbeat: %+v", l)
	}

	intruder := Owner{Host: "studio", PID: 200, Instance: "b"}
	if err := Heartbeat(dir, intruder, later); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign heartbeat error = %v", err)
	}
	if err := Release(dir, intruder); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign release error = %v", err)
	}

	if err := Release(dir, owner); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := Read(dir); !errors.Is(err, ErrNotFound) {
		t.Errorf("read after release = %v, want ErrNotFound", err)
	}
}

func TestClearRefusesLiveLock(t *testing.T) {
	dir := sessionDir(t)
	foreign := Owner{Host: "other-machine", PID: 1, Instance: "f"}
	me := Owner{Host: "studio", PID: 2, Instance: "me"}
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := Acquire(dir, foreign, "s1", start); err != nil {
		t.Fatal(err)
	}
	if err := Clear(dir, me, "", start.Add(10*time.Minute)); !errors.Is(err, ErrLive) {
		t.Fatalf("clear live lock error = %v, want ErrLive", err)
	}
	if err := Clear(dir, me, "", start.Add(61*time.Minute)); err != nil {
		t.Fatalf("clear stale lock: %v", err)
	}
	if _, err := os.Stat(Path(dir)); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}
}

func TestSelfIsStable(t *testing.T) {
	a, b := Self(), Self()
	if a != b {
		t.Errorf("Self changed between calls: %+v vs %+v", a, b)
	}
	if a.PID != os.Getpid() || a.Instance == "" {
		t.Errorf("Self = %+v", a)
	}
}

func TestClearOwnLockOnlyWhenNotRecording(t *testing.T) {
	dir := sessionDir(t)
	me := Owner{Host: "studio", PID: 2, Instance: "me"}
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := Acquire(dir, me, "s1", start); err != nil {
		t.Fatal(err)
	}
	if err := Clear(dir, me, "s1", start.Add(time.Minute)); !errors.Is(err, ErrLive) {
		t.Fatalf("clear of the recording session = %v, want ErrLive", err)
	}
	if err := Clear(dir, me, "", start.Add(time.Minute)); err != nil {
		t.Fatalf("clear after failed finalize: %v", err)
	}
}

func TestAcquireKeepsExistingLock(t *testing.T) {
	dir := sessionDir(t)
	first := Owner{Host: "studio", PID: 100, Instance: "a"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := Acquire(dir, first, "s1", now); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(Path(dir))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Acquire(dir, Owner{Host: "laptop", PID: 7, Instance: "b"}, "s1", now.Add(time.Hour)); !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire = %v, want ErrHeld", err)
	}
	after, err := os.ReadFile(Path(dir))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Errorf("failed acquire changed the lock:\n%s\n%s", before, after)
	}
}
