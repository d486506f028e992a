package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/audiolibrelab/jamwatch/internal/lock"
)

// Indexer receives finalized metadata. The index is a cache; failing to
// update it never fails a finalize.
type Indexer interface {
	Upsert(ctx context.Context, m *Metadata) error
}

// Finalizer closes a session's tracks and makes the session durable.
type Finalizer struct {
	Owner lock.Owner
	Index Indexer
}

// Finalize closes every track with end as the session end, writes the
// metadata, updates the index and only then releases the recording lock.
// If a track or the metadata cannot be written the lock is kept so the
// session is picked up by recovery.
func (f *Finalizer) Finalize(ctx context.Context, s *Session, end time.Time) (*Metadata, error) {
	m := s.InitialMetadata(f.Owner.Host)
	if prev, err := Load(s.Dir); err == nil {
		m.Title = prev.Title
		m.Notes = prev.Notes
	}

	s.mu.Lock()
	order := append([]string(nil), s.order...)
	tracks := s.tracks
	s.mu.Unlock()

	var fatal error
	for _, id := range order {
		file, err := tracks[id].Close(end)
		m.SetFile(file)
		if err == nil {
			continue
		}
		var degraded *DegradedError
		if errors.As(err, &degraded) {
			s.Warn(id, "%v", degraded.Err)
			continue
		}
		fatal = multierr.Append(fatal, fmt.Errorf("device %s: %w", id, err))
	}

	m.EndedAt = end.UTC()
	m.Warnings = s.Warnings()
	m.Recompute()

	if fatal != nil {
		m.RepairStatus = RepairPending
		m.LockState = LockHeld
		if err := Save(s.Dir, m); err != nil {
			fatal = multierr.Append(fatal, err)
		}
		slog.Error("Finalize failed, leaving lock for recovery", "session", s.ID, "error", fatal)
		return m, fmt.Errorf("finalize session %s: %w", s.ID, fatal)
	}

	m.RepairStatus = RepairNone
	m.LockState = LockReleased
	if err := Save(s.Dir, m); err != nil {
		return m, fmt.Errorf("finalize session %s: %w", s.ID, err)
	}

	if f.Index != nil {
		if err := f.Index.Upsert(ctx, m); err != nil {
			slog.Warn("Failed to update session index", "session", s.ID, "error", err)
		}
	}

	if err := lock.Release(s.Dir, f.Owner); err != nil {
		return m, fmt.Errorf("release lock for session %s: %w", s.ID, err)
	}

	slog.Info("Session finalized", "session", s.ID, "duration", m.Duration(),
		"files", len(m.AllFiles()), "warnings", len(m.Warnings), "dropped_frames", m.DroppedFrames)
	return m, nil
}
