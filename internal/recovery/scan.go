// Package recovery finds sessions left behind by an interrupted recording
// and repairs their files on request. Nothing here runs a repair on its
// own: a scan only reports.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/events"
	"github.com/audiolibrelab/jamwatch/internal/lock"
	"github.com/audiolibrelab/jamwatch/internal/session"
)

// Condition summarizes what a scan found in a session directory.
type Condition string

const (
	// Clean sessions were finalized normally.
	Clean Condition = "clean"
	// Repaired sessions went through a completed repair.
	Repaired Condition = "repaired"
	// Interrupted sessions never finalized and may be repaired.
	Interrupted Condition = "interrupted"
	// RecordingElsewhere sessions hold a live lock of another instance.
	RecordingElsewhere Condition = "recording-elsewhere"
	// Recording is the session this instance is writing.
	Recording Condition = "recording"
)

// Report describes one session directory.
type Report struct {
	ID        string            `json:"id"`
	Dir       string            `json:"dir"`
	Condition Condition         `json:"condition"`
	Lock      *lock.Lock        `json:"lock,omitempty"`
	LockState string            `json:"lock_state,omitempty"`
	Damaged   []string          `json:"damaged,omitempty"`
	Metadata  *session.Metadata `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Repairable reports whether Repair may run on the session.
func (r Report) Repairable() bool {
	return r.Condition == Interrupted
}

// Scanner inspects the sessions root.
type Scanner struct {
	Root string
	Self lock.Owner
	// Active returns the session this instance is recording. Nil means
	// none.
	Active func() string
	Bus    *events.Bus
	Now    func() time.Time
}

func activeSession(active func() string) string {
	if active == nil {
		return ""
	}
	return active()
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SessionDirs lists session directory names under root in id order.
// Hidden directories (spools, index) are skipped.
func SessionDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Scan inspects every session directory, publishing rescan-progress as it
// goes. Problems with single sessions are recorded in their report.
func (s *Scanner) Scan(ctx context.Context) ([]Report, error) {
	ids, err := SessionDirs(s.Root)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "recovery")

	reports := make([]Report, 0, len(ids))
	s.Bus.Emit(events.RescanProgress, events.Progress{Done: 0, Total: len(ids)})
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r := s.Inspect(id)
		if r.Condition == Interrupted {
			logger.Warn("Interrupted session found", "session", id, "lock", r.LockState, "damaged", len(r.Damaged))
		} else if r.Condition == RecordingElsewhere {
			logger.Info("Session possibly recording elsewhere", "session", id, "host", r.Lock.Owner.Host)
		}
		reports = append(reports, r)
		s.Bus.Emit(events.RescanProgress, events.Progress{Done: i + 1, Total: len(ids), Current: id})
	}
	return reports, nil
}

// Inspect classifies one session by its lock, metadata and files.
func (s *Scanner) Inspect(id string) Report {
	dir := filepath.Join(s.Root, id)
	r := Report{ID: id, Dir: dir, Condition: Clean}

	m, err := session.Load(dir)
	switch {
	case err == nil:
		r.Metadata = m
	case !errors.Is(err, session.ErrNoMetadata):
		r.Error = err.Error()
	}

	l, err := lock.Read(dir)
	switch {
	case err == nil:
		r.Lock = l
		state := lock.Classify(l, s.Self, activeSession(s.Active), s.now())
		r.LockState = state.String()
		switch {
		case state == lock.Held:
			r.Condition = Recording
			return r
		case !state.Repairable():
			r.Condition = RecordingElsewhere
			return r
		}
		r.Condition = Interrupted
	case errors.Is(err, lock.ErrNotFound):
	default:
		r.Error = err.Error()
	}

	r.Damaged = damagedFiles(dir)
	switch {
	case r.Condition == Interrupted:
	case m == nil || m.RepairStatus == session.RepairPending || m.RepairStatus == session.RepairFailed:
		r.Condition = Interrupted
	case len(r.Damaged) > 0:
		r.Condition = Interrupted
	case m.RepairStatus == session.RepairDone:
		r.Condition = Repaired
	}
	return r
}

// damagedFiles lists MIDI and WAV files whose headers or trailers need
// repair.
func damagedFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var damaged []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isTrackFile(name) {
			continue
		}
		path := filepath.Join(dir, name)
		var bad bool
		switch filepath.Ext(name) {
		case ".mid":
			bad, err = checkMIDI(path)
		case ".wav":
			bad, err = checkWAV(path)
		default:
			continue
		}
		if bad || err != nil {
			damaged = append(damaged, name)
		}
	}
	return damaged
}

// isTrackFile excludes metadata, locks, backups and repair outputs.
func isTrackFile(name string) bool {
	return !strings.HasPrefix(name, ".") &&
		name != session.MetadataFile &&
		name != lock.FileName &&
		!strings.HasSuffix(name, BackupSuffix) &&
		!strings.HasSuffix(name, ".tmp") &&
		!strings.Contains(name, repairedInfix)
}
