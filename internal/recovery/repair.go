package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/audiolibrelab/jamwatch/internal/events"
	"github.com/audiolibrelab/jamwatch/internal/ffmpeg"
	"github.com/audiolibrelab/jamwatch/internal/lock"
	"github.com/audiolibrelab/jamwatch/internal/session"
)

const repairedInfix = ".repaired"

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("recovery: session not found")
	// ErrActive is returned when asked to repair the session this
	// instance is recording.
	ErrActive = errors.New("recovery: session is being recorded by this instance")
)

var videoExts = map[string]bool{".webm": true, ".mkv": true, ".mp4": true, ".mov": true, ".avi": true}

// RemuxFunc copies the streams of src into a new container at dst without
// re-encoding.
type RemuxFunc func(ctx context.Context, src, dst string) error

// FFmpegRemux rebuilds a container index with a stream copy.
func FFmpegRemux(ctx context.Context, src, dst string) error {
	return ffmpeg.Run(ctx, []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-err_detect", "ignore_err",
		"-i", src,
		"-map", "0", "-c", "copy",
		"-y", dst,
	})
}

// Result describes one repair run.
type Result struct {
	ID       string                 `json:"id"`
	Actions  []session.RepairAction `json:"actions"`
	Metadata *session.Metadata      `json:"metadata"`
	// NoOp is set when there was nothing left to repair.
	NoOp bool `json:"no_op"`
}

// Repairer repairs interrupted sessions on explicit request.
type Repairer struct {
	Root string
	Self lock.Owner
	// Active returns the session this instance is recording.
	Active func() string
	Bus    *events.Bus
	Index  session.Indexer
	Remux  RemuxFunc
	Now    func() time.Time
}

func (r *Repairer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Repair fixes the files of session id. A lock that may still belong to
// a live recording is never touched; a stale or orphaned one is cleared
// before any file is rewritten. Running Repair again on a repaired
// session changes nothing.
func (r *Repairer) Repair(ctx context.Context, id string) (*Result, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	dir := filepath.Join(r.Root, id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	logger := slog.Default().With("component", "recovery", "session", id)

	lockCleared := false
	l, err := lock.Read(dir)
	switch {
	case err == nil:
		active := activeSession(r.Active)
		state := lock.Classify(l, r.Self, active, r.now())
		if state == lock.Held {
			return nil, ErrActive
		}
		if !state.Repairable() {
			return nil, fmt.Errorf("session %s: %w (owner %s pid %d, heartbeat %s)",
				id, lock.ErrLive, l.Owner.Host, l.Owner.PID, l.Heartbeat.Format(time.RFC3339))
		}
		if err := lock.Clear(dir, r.Self, active, r.now()); err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
		lockCleared = true
		logger.Info("Cleared abandoned recording lock", "state", state, "owner", l.Owner.Host, "pid", l.Owner.PID)
	case errors.Is(err, lock.ErrNotFound):
	default:
		return nil, err
	}

	m, err := session.Load(dir)
	if errors.Is(err, session.ErrNoMetadata) {
		m = skeletonMetadata(id)
	} else if err != nil {
		return nil, err
	}
	interrupted := lockCleared || m.RepairStatus == session.RepairPending || m.RepairStatus == session.RepairFailed

	actions, ferr := r.repairFiles(ctx, dir, m, interrupted)
	if len(actions) == 0 && ferr == nil && !interrupted {
		logger.Debug("Nothing to repair")
		return &Result{ID: id, Metadata: m, NoOp: true}, nil
	}

	m.Repairs = append(m.Repairs, actions...)
	if lockCleared {
		m.LockState = session.LockCleared
	}
	m.Recompute()
	if end := m.Timestamp.Add(m.Duration()); m.EndedAt.Before(end) {
		m.EndedAt = end
	}
	if ferr != nil {
		m.RepairStatus = session.RepairFailed
	} else {
		m.RepairStatus = session.RepairDone
	}
	if err := session.Save(dir, m); err != nil {
		return nil, multierr.Append(ferr, err)
	}

	if r.Index != nil {
		if err := r.Index.Upsert(ctx, m); err != nil {
			logger.Warn("Failed to update session index", "error", err)
		}
	}
	res := &Result{ID: id, Actions: actions, Metadata: m}
	if ferr != nil {
		logger.Error("Repair incomplete", "actions", len(actions), "error", ferr)
		return res, fmt.Errorf("repair session %s: %w", id, ferr)
	}
	logger.Info("Session repaired", "actions", len(actions))
	r.Bus.Emit(events.SessionRepaired, m)
	return res, nil
}

func (r *Repairer) repairFiles(ctx context.Context, dir string, m *session.Metadata, interrupted bool) ([]session.RepairAction, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var (
		actions []session.RepairAction
		errs    error
	)
	record := func(name, action string) {
		actions = append(actions, session.RepairAction{Time: r.now().UTC(), File: name, Action: action})
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isTrackFile(name) {
			continue
		}
		path := filepath.Join(dir, name)
		ext := filepath.Ext(name)

		switch {
		case ext == ".mid":
			plan, err := repairMIDI(path)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if plan.changed {
				record(name, fmt.Sprintf("closed track after %d events, original kept as %s", plan.events, name+BackupSuffix))
				updateFile(m, session.ModalityMIDI, name, plan.duration, "in-place")
			}

		case ext == ".wav":
			changed, d, err := repairWAV(path)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if changed {
				record(name, "rewrote RIFF and data chunk sizes")
				updateFile(m, session.ModalityAudio, name, d, "in-place")
			}

		case videoExts[ext] && interrupted:
			dst := strings.TrimSuffix(name, ext) + repairedInfix + ext
			if _, err := os.Stat(filepath.Join(dir, dst)); err == nil {
				continue
			}
			if err := r.remux(ctx, path, filepath.Join(dir, dst)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			record(name, "remuxed into "+dst)
			updateFile(m, session.ModalityVideo, name, 0, dst)
		}
	}
	return actions, errs
}

func (r *Repairer) remux(ctx context.Context, src, dst string) error {
	remux := r.Remux
	if remux == nil {
		remux = FFmpegRemux
	}
	tmp := strings.TrimSuffix(dst, filepath.Ext(dst)) + ".tmp" + filepath.Ext(dst)
	if err := remux(ctx, src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// updateFile records a repair on the metadata entry for name, adding one
// when the session died before its metadata listed the file.
func updateFile(m *session.Metadata, mod session.Modality, name string, d time.Duration, repaired string) {
	for i, f := range m.Files[mod] {
		if f.Name != name {
			continue
		}
		f.Repaired = repaired
		if d > 0 {
			f.DurationMs = d.Milliseconds()
		}
		m.Files[mod][i] = f
		return
	}
	device := strings.TrimSuffix(strings.TrimPrefix(name, string(mod)+"-"), filepath.Ext(name))
	m.SetFile(session.File{
		Device:     device,
		Modality:   mod,
		Name:       name,
		DurationMs: d.Milliseconds(),
		Repaired:   repaired,
		Incomplete: mod == session.ModalityVideo,
	})
}

// skeletonMetadata stands in for a session that crashed before writing
// its first metadata document. The start time comes from the id.
func skeletonMetadata(id string) *session.Metadata {
	m := &session.Metadata{
		Version:      session.MetadataVersion,
		ID:           id,
		Files:        make(map[session.Modality][]session.File),
		RepairStatus: session.RepairPending,
		LockState:    session.LockHeld,
	}
	if len(id) >= len(session.IDLayout) {
		if ts, err := time.Parse(session.IDLayout, id[:len(session.IDLayout)]); err == nil {
			m.Timestamp = ts
		}
	}
	return m
}
