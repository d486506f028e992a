// Package lock implements the on-disk recording lock that marks a session
// directory as being written. The lock carries an explicit heartbeat and is
// never overridden by force: only a stale or orphaned lock may be cleared,
// and only by an explicit repair.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// FileName is the lock file inside a session directory.
const FileName = "recording.lock"

// guardName is the OS lock file, kept in the sessions root, that serializes
// heartbeat writes against repair claims.
const guardName = ".recording.guard"

// StaleAfter is the heartbeat age past which the owner is presumed dead.
const StaleAfter = 60 * time.Minute

var (
	// ErrHeld is returned when a lock file already exists.
	ErrHeld = errors.New("lock: session directory is already locked")
	// ErrNotFound is returned when no lock file exists.
	ErrNotFound = errors.New("lock: no lock file")
	// ErrNotOwner is returned when a lock belongs to a different instance.
	ErrNotOwner = errors.New("lock: held by another instance")
	// ErrLive is returned when clearing a lock whose owner may still be recording.
	ErrLive = errors.New("lock: possibly recording elsewhere")
)

// Owner identifies the process holding a lock.
type Owner struct {
	Host     string `json:"host"`
	PID      int    `json:"pid"`
	Instance string `json:"instance"`
}

// Lock is the content of a lock file.
type Lock struct {
	Owner     Owner     `json:"owner"`
	SessionID string    `json:"session_id"`
	Created   time.Time `json:"created"`
	Heartbeat time.Time `json:"heartbeat"`
}

// State classifies an existing lock from the point of view of one instance.
type State int

const (
	// Held means this instance owns the lock and is recording the session.
	Held State = iota
	// Live means another owner may still be recording.
	Live
	// Stale means the heartbeat is older than StaleAfter.
	Stale
	// Orphaned means the owner ran on this host and its process is gone,
	// or this instance left the lock behind after a failed finalize.
	Orphaned
)

func (s State) String() string {
	switch s {
	case Held:
		return "held"
	case Live:
		return "live"
	case Stale:
		return "stale"
	case Orphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Repairable reports whether a session with a lock in this state may be
// repaired.
func (s State) Repairable() bool {
	return s == Stale || s == Orphaned
}

var (
	selfOnce  sync.Once
	selfOwner Owner
)

// Self returns the identity of the running process. The instance id is
// generated once per process run.
func Self() Owner {
	selfOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		selfOwner = Owner{Host: host, PID: os.Getpid(), Instance: uuid.NewString()}
	})
	return selfOwner
}

// ProcessAlive reports whether pid names a running process on this host.
var ProcessAlive = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Path returns the lock file path for a session directory.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Acquire creates the lock file in dir with O_EXCL. It fails with ErrHeld
// if any lock already exists, whatever its state. A partly written file is
// removed again.
func Acquire(dir string, owner Owner, sessionID string, now time.Time) (*Lock, error) {
	l := &Lock{Owner: owner, SessionID: sessionID, Created: now.UTC(), Heartbeat: now.UTC()}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}
	err = withGuard(dir, func() error {
		f, err := os.OpenFile(Path(dir), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return ErrHeld
			}
			return fmt.Errorf("failed to create lock file: %w", err)
		}
		_, werr := f.Write(data)
		if werr == nil {
			werr = f.Sync()
		}
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(Path(dir))
			return fmt.Errorf("failed to write lock file: %w", werr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Read loads the lock file in dir.
func Read(dir string) (*Lock, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse lock file %s: %w", Path(dir), err)
	}
	return &l, nil
}

// Heartbeat refreshes the heartbeat of a lock owned by owner.
func Heartbeat(dir string, owner Owner, now time.Time) error {
	return withGuard(dir, func() error {
		l, err := Read(dir)
		if err != nil {
			return err
		}
		if l.Owner.Instance != owner.Instance {
			return ErrNotOwner
		}
		l.Heartbeat = now.UTC()
		return writeAtomic(dir, l)
	})
}

// Release removes a lock owned by owner.
func Release(dir string, owner Owner) error {
	return withGuard(dir, func() error {
		l, err := Read(dir)
		if err != nil {
			return err
		}
		if l.Owner.Instance != owner.Instance {
			return ErrNotOwner
		}
		return os.Remove(Path(dir))
	})
}

// Clear removes a lock that is not held by a live owner. active is the
// session this instance is recording, if any. The state is re-evaluated
// under the guard so a heartbeat racing the claim wins.
func Clear(dir string, self Owner, active string, now time.Time) error {
	return withGuard(dir, func() error {
		l, err := Read(dir)
		if err != nil {
			return err
		}
		if state := Classify(l, self, active, now); !state.Repairable() {
			return fmt.Errorf("%w (%s, heartbeat %s)", ErrLive, state, l.Heartbeat.Format(time.RFC3339))
		}
		return os.Remove(Path(dir))
	})
}

// Classify evaluates l for the instance self at time now. active is the
// session self is recording; a lock of self on any other session was left
// by a failed finalize and counts as orphaned.
func Classify(l *Lock, self Owner, active string, now time.Time) State {
	if l.Owner.Instance == self.Instance && l.Owner.Host == self.Host {
		if active != "" && l.SessionID == active {
			return Held
		}
		return Orphaned
	}
	if IsStale(l, now) {
		return Stale
	}
	if l.Owner.Host == self.Host && !ProcessAlive(l.Owner.PID) {
		return Orphaned
	}
	return Live
}

// IsStale reports whether the heartbeat is older than StaleAfter.
func IsStale(l *Lock, now time.Time) bool {
	return now.Sub(l.Heartbeat) > StaleAfter
}

func withGuard(dir string, fn func() error) error {
	guard := flock.New(filepath.Join(filepath.Dir(filepath.Clean(dir)), guardName))
	if err := guard.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", dir, err)
	}
	defer guard.Unlock()
	return fn()
}

func writeAtomic(dir string, l *Lock) error {
	tmp, err := writeTemp(dir, l)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, Path(dir)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace lock file: %w", err)
	}
	return nil
}

func writeTemp(dir string, l *Lock) (string, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}
	f, err := os.CreateTemp(dir, ".recording.lock-*")
	if err != nil {
		return "", fmt.Errorf("failed to create lock temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write lock temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to sync lock temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to close lock temp file: %w", err)
	}
	return name, nil
}
