package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/config"
	"github.com/audiolibrelab/jamwatch/internal/events"
	"github.com/audiolibrelab/jamwatch/internal/index"
	"github.com/audiolibrelab/jamwatch/internal/lock"
	"github.com/audiolibrelab/jamwatch/internal/recorder"
	"github.com/audiolibrelab/jamwatch/internal/recovery"
	"github.com/audiolibrelab/jamwatch/internal/session"
)

// ErrNoRecorder is returned by recording commands when the service runs
// without a recording engine, as the offline session commands do.
var ErrNoRecorder = errors.New("service: no recording engine")

// Service is the command surface shared by the HTTP server and the CLI.
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) (recorder.Status, error)
	StopRecording(ctx context.Context) (*session.Metadata, error)
	GetRecordingState() recorder.Status

	// Session operations
	ListSessions(ctx context.Context, filter index.Filter) ([]index.Entry, error)
	GetSession(ctx context.Context, id string) (*session.Metadata, error)
	UpdateSessionInfo(ctx context.Context, id, title, notes string) (*session.Metadata, error)
	RepairSession(ctx context.Context, id string) (*recovery.Result, error)
	Scan(ctx context.Context) ([]recovery.Report, error)
	Rescan(ctx context.Context) ([]recovery.Report, error)

	// Configuration operations
	LoadProfile(ctx context.Context, profile string) error

	// Event stream
	Subscribe(depth int) (<-chan events.Event, func())

	GetLastError() string
}

// Recorder is the part of the recording engine the service drives.
type Recorder interface {
	Start(ctx context.Context) (recorder.Status, error)
	Stop(ctx context.Context) (*session.Metadata, error)
	Status() recorder.Status
	ActiveSession() string
	Reconfigure(ctx context.Context, next config.Snapshot) error
}

// Options wires the service. Recorder and Index may be nil.
type Options struct {
	Root       string
	ConfigFile string
	Recorder   Recorder
	Index      *index.Store
	Bus        *events.Bus
	Owner      lock.Owner
	Remux      recovery.RemuxFunc
}

// JamwatchService is the main service implementation
type JamwatchService struct {
	root       string
	configFile string
	recorder   Recorder
	index      *index.Store
	bus        *events.Bus
	scanner    *recovery.Scanner
	repairer   *recovery.Repairer
	logger     *slog.Logger

	// Serializes rescans and repairs so a rebuild never races a repair's
	// index update.
	maintenance sync.Mutex

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance
func New(opts Options) *JamwatchService {
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Owner.Instance == "" {
		opts.Owner = lock.Self()
	}
	s := &JamwatchService{
		root:       opts.Root,
		configFile: opts.ConfigFile,
		recorder:   opts.Recorder,
		index:      opts.Index,
		bus:        opts.Bus,
		logger:     slog.Default().With("component", "service"),
	}
	var active func() string
	if opts.Recorder != nil {
		active = opts.Recorder.ActiveSession
	}
	s.scanner = &recovery.Scanner{Root: opts.Root, Self: opts.Owner, Active: active, Bus: opts.Bus}
	s.repairer = &recovery.Repairer{Root: opts.Root, Self: opts.Owner, Active: active, Bus: opts.Bus, Remux: opts.Remux}
	if opts.Index != nil {
		s.repairer.Index = opts.Index
	}
	return s
}

// StartRecording begins a recording, or reports the one in progress.
func (s *JamwatchService) StartRecording(ctx context.Context) (recorder.Status, error) {
	if s.recorder == nil {
		return recorder.Status{Phase: recorder.PhaseIdle}, ErrNoRecorder
	}
	slog.Debug("Service.StartRecording called")
	s.clearLastError()
	st, err := s.recorder.Start(ctx)
	if err != nil {
		slog.Error("Service.StartRecording failed", "error", err)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
	}
	return st, err
}

// StopRecording stops the current recording and returns its finalized
// metadata, or nil when nothing was recording.
func (s *JamwatchService) StopRecording(ctx context.Context) (*session.Metadata, error) {
	if s.recorder == nil {
		return nil, ErrNoRecorder
	}
	m, err := s.recorder.Stop(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
	} else {
		s.clearLastError()
	}
	return m, err
}

// GetRecordingState returns the phase, elapsed time and device states.
func (s *JamwatchService) GetRecordingState() recorder.Status {
	if s.recorder == nil {
		return recorder.Status{Phase: recorder.PhaseIdle, LastError: s.GetLastError()}
	}
	st := s.recorder.Status()
	if st.LastError == "" {
		st.LastError = s.GetLastError()
	}
	return st
}

// ListSessions lists indexed sessions. Without an index the session
// directories are scanned directly.
func (s *JamwatchService) ListSessions(ctx context.Context, filter index.Filter) ([]index.Entry, error) {
	if s.index != nil {
		return s.index.List(ctx, filter)
	}
	reports, err := s.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]index.Entry, 0, len(reports))
	for i := len(reports) - 1; i >= 0; i-- {
		e := entryFromReport(reports[i])
		if filter.Condition != "" && e.Condition != filter.Condition {
			continue
		}
		entries = append(entries, e)
		if filter.Limit > 0 && len(entries) == filter.Limit {
			break
		}
	}
	return entries, nil
}

// GetSession loads the metadata of one session from its directory.
func (s *JamwatchService) GetSession(ctx context.Context, id string) (*session.Metadata, error) {
	dir, err := s.sessionDir(id)
	if err != nil {
		return nil, err
	}
	m, err := session.Load(dir)
	if errors.Is(err, session.ErrNoMetadata) {
		return nil, fmt.Errorf("%w: %s has no metadata", recovery.ErrNotFound, id)
	}
	return m, err
}

// UpdateSessionInfo sets the title and notes of a finished session.
func (s *JamwatchService) UpdateSessionInfo(ctx context.Context, id, title, notes string) (*session.Metadata, error) {
	if s.recorder != nil && s.recorder.ActiveSession() == id {
		return nil, recovery.ErrActive
	}
	dir, err := s.sessionDir(id)
	if err != nil {
		return nil, err
	}
	m, err := session.Load(dir)
	if err != nil {
		return nil, err
	}
	m.Title = title
	m.Notes = notes
	if err := session.Save(dir, m); err != nil {
		return nil, err
	}
	if s.index != nil {
		if err := s.index.Upsert(ctx, m); err != nil {
			s.logger.Warn("Failed to update session index", "session", id, "error", err)
		}
	}
	return m, nil
}

// RepairSession repairs an interrupted session on explicit request.
func (s *JamwatchService) RepairSession(ctx context.Context, id string) (*recovery.Result, error) {
	s.maintenance.Lock()
	defer s.maintenance.Unlock()

	res, err := s.repairer.Repair(ctx, id)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to repair session %s: %v", id, err))
	}
	return res, err
}

// Scan reports the condition of every session without changing anything.
func (s *JamwatchService) Scan(ctx context.Context) ([]recovery.Report, error) {
	return s.scanner.Scan(ctx)
}

// Rescan scans the sessions root and rebuilds the index from it.
func (s *JamwatchService) Rescan(ctx context.Context) ([]recovery.Report, error) {
	s.maintenance.Lock()
	defer s.maintenance.Unlock()

	start := time.Now()
	reports, err := s.scanner.Scan(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Rescan failed: %v", err))
		return nil, err
	}
	if s.index != nil {
		entries := make([]index.Entry, 0, len(reports))
		for _, r := range reports {
			entries = append(entries, entryFromReport(r))
		}
		if err := s.index.Rebuild(ctx, entries); err != nil {
			s.setLastError(fmt.Sprintf("Index rebuild failed: %v", err))
			return reports, err
		}
	}

	interrupted := 0
	for _, r := range reports {
		if r.Repairable() {
			interrupted++
		}
	}
	s.logger.Info("Rescan complete", "sessions", len(reports), "interrupted", interrupted,
		"duration", time.Since(start).Round(time.Millisecond))
	return reports, nil
}

// LoadProfile switches the recorder to another configuration profile.
func (s *JamwatchService) LoadProfile(ctx context.Context, profile string) error {
	if s.recorder == nil {
		return ErrNoRecorder
	}
	cfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	return s.recorder.Reconfigure(ctx, cfg.Snapshot())
}

// Subscribe registers an event subscriber.
func (s *JamwatchService) Subscribe(depth int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(depth)
}

// GetLastError returns the last error message
func (s *JamwatchService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *JamwatchService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

func (s *JamwatchService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

func (s *JamwatchService) sessionDir(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id[0] == '.' {
		return "", fmt.Errorf("%w: %q", recovery.ErrNotFound, id)
	}
	dir := filepath.Join(s.root, id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", recovery.ErrNotFound, id)
	}
	return dir, nil
}

// entryFromReport turns a scan report into an index row. Sessions that
// died before writing metadata get a row built from their id.
func entryFromReport(r recovery.Report) index.Entry {
	if r.Metadata != nil {
		return index.EntryFromMetadata(r.Metadata, string(r.Condition))
	}
	e := index.Entry{ID: r.ID, Condition: string(r.Condition), RepairStatus: session.RepairPending, LockState: r.LockState}
	if len(r.ID) >= len(session.IDLayout) {
		if ts, err := time.Parse(session.IDLayout, r.ID[:len(session.IDLayout)]); err == nil {
			e.StartedAt = ts
		}
	}
	return e
}
