package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/session"
)

// ErrNotFound is returned by Get for a session the index does not know.
var ErrNotFound = errors.New("index: session not found")

// Entry is one indexed session.
type Entry struct {
	ID            string               `json:"id"`
	StartedAt     time.Time            `json:"started_at"`
	EndedAt       time.Time            `json:"ended_at,omitempty"`
	DurationMs    int64                `json:"duration_ms"`
	Trigger       string               `json:"trigger,omitempty"`
	Host          string               `json:"host,omitempty"`
	Title         string               `json:"title,omitempty"`
	Condition     string               `json:"condition"`
	RepairStatus  session.RepairStatus `json:"repair_status"`
	LockState     string               `json:"lock_state,omitempty"`
	Devices       []string             `json:"devices,omitempty"`
	FileCount     int                  `json:"file_count"`
	WarningCount  int                  `json:"warning_count"`
	DroppedFrames uint64               `json:"dropped_frames"`
	Metadata      *session.Metadata    `json:"-"`
	IndexedAt     time.Time            `json:"indexed_at"`
}

// Duration returns the session length.
func (e Entry) Duration() time.Duration {
	return time.Duration(e.DurationMs) * time.Millisecond
}

// ConditionFor derives the listing condition from stored metadata alone.
func ConditionFor(m *session.Metadata) string {
	switch m.RepairStatus {
	case session.RepairPending, session.RepairFailed:
		return "interrupted"
	case session.RepairDone:
		return "repaired"
	default:
		return "clean"
	}
}

// EntryFromMetadata builds the index row for m. An empty condition is
// derived from the metadata.
func EntryFromMetadata(m *session.Metadata, condition string) Entry {
	if condition == "" {
		condition = ConditionFor(m)
	}
	seen := map[string]bool{}
	var devices []string
	files := m.AllFiles()
	for _, f := range files {
		if !seen[f.Device] {
			seen[f.Device] = true
			devices = append(devices, f.Device)
		}
	}
	sort.Strings(devices)
	return Entry{
		ID:            m.ID,
		StartedAt:     m.Timestamp,
		EndedAt:       m.EndedAt,
		DurationMs:    m.DurationMs,
		Trigger:       m.Trigger,
		Host:          m.Host,
		Title:         m.Title,
		Condition:     condition,
		RepairStatus:  m.RepairStatus,
		LockState:     m.LockState,
		Devices:       devices,
		FileCount:     len(files),
		WarningCount:  len(m.Warnings),
		DroppedFrames: m.DroppedFrames,
		Metadata:      m,
	}
}

const entryColumns = "id, started_at, ended_at, duration_ms, trigger_kind, host, title, condition, repair_status, lock_state, devices, file_count, warning_count, dropped_frames, metadata_json, indexed_at"

const upsertSQL = `INSERT INTO sessions (` + entryColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    started_at = excluded.started_at,
    ended_at = excluded.ended_at,
    duration_ms = excluded.duration_ms,
    trigger_kind = excluded.trigger_kind,
    host = excluded.host,
    title = excluded.title,
    condition = excluded.condition,
    repair_status = excluded.repair_status,
    lock_state = excluded.lock_state,
    devices = excluded.devices,
    file_count = excluded.file_count,
    warning_count = excluded.warning_count,
    dropped_frames = excluded.dropped_frames,
    metadata_json = excluded.metadata_json,
    indexed_at = excluded.indexed_at`

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw sql.NullString) time.Time {
	if !raw.Valid || raw.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func entryArgs(e Entry, now time.Time) ([]any, error) {
	var metaJSON any
	if e.Metadata != nil {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for %s: %w", e.ID, err)
		}
		metaJSON = string(data)
	}
	started := formatTime(e.StartedAt)
	if started == nil {
		started = ""
	}
	return []any{
		e.ID, started, formatTime(e.EndedAt), e.DurationMs,
		e.Trigger, e.Host, e.Title, e.Condition, string(e.RepairStatus), e.LockState,
		strings.Join(e.Devices, ","), e.FileCount, e.WarningCount, int64(e.DroppedFrames),
		metaJSON, formatTime(now),
	}, nil
}

// Upsert records finalized or repaired metadata. It satisfies
// session.Indexer.
func (s *Store) Upsert(ctx context.Context, m *session.Metadata) error {
	return s.Put(ctx, EntryFromMetadata(m, ""))
}

// Put inserts or replaces one entry.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("index: entry id is required")
	}
	args, err := entryArgs(e, time.Now())
	if err != nil {
		return err
	}
	if err := s.execWithRetry(ctx, upsertSQL, args...); err != nil {
		return fmt.Errorf("index session %s: %w", e.ID, err)
	}
	return nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		e            Entry
		startedRaw   sql.NullString
		endedRaw     sql.NullString
		triggerKind  sql.NullString
		host         sql.NullString
		title        sql.NullString
		repairStatus string
		lockState    sql.NullString
		devices      sql.NullString
		dropped      int64
		metaJSON     sql.NullString
		indexedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&e.ID,
		&startedRaw,
		&endedRaw,
		&e.DurationMs,
		&triggerKind,
		&host,
		&title,
		&e.Condition,
		&repairStatus,
		&lockState,
		&devices,
		&e.FileCount,
		&e.WarningCount,
		&dropped,
		&metaJSON,
		&indexedRaw,
	); err != nil {
		return nil, err
	}

	e.StartedAt = parseTime(startedRaw)
	e.EndedAt = parseTime(endedRaw)
	e.IndexedAt = parseTime(indexedRaw)
	e.Trigger = triggerKind.String
	e.Host = host.String
	e.Title = title.String
	e.RepairStatus = session.RepairStatus(repairStatus)
	e.LockState = lockState.String
	e.DroppedFrames = uint64(dropped)
	if devices.String != "" {
		e.Devices = strings.Split(devices.String, ",")
	}
	if metaJSON.Valid && metaJSON.String != "" {
		var m session.Metadata
		if err := json.Unmarshal([]byte(metaJSON.String), &m); err == nil {
			e.Metadata = &m
		}
	}
	return &e, nil
}

// Get returns the entry for id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM sessions WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return e, nil
}

// Filter narrows List.
type Filter struct {
	// Condition keeps only entries in this condition when set.
	Condition string
	// Limit caps the result; zero means no limit.
	Limit int
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM sessions"
	var args []any
	if f.Condition != "" {
		query += " WHERE condition = ?"
		args = append(args, f.Condition)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Rebuild replaces the whole index with entries in one transaction.
func (s *Store) Rebuild(ctx context.Context, entries []Entry) error {
	now := time.Now()
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rebuild tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, upsertSQL)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range entries {
			args, err := entryArgs(e, now)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("index session %s: %w", e.ID, err)
			}
		}
		return tx.Commit()
	})
}

// Count returns the number of indexed sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
