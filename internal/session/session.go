// Package session owns the on-disk form of a recording: its directory,
// per-device track files, metadata document and the finalize step that
// turns a live recording into a durable session.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/encoding"
)

// IDLayout formats session ids. Ids sort in start order.
const IDLayout = "20060102-150405.000"

// NewID derives a session id from its start time.
func NewID(start time.Time) string {
	return start.UTC().Format(IDLayout)
}

// Session is the in-memory RecordingSession: identity, bound devices,
// open tracks and accumulated warnings.
type Session struct {
	ID       string
	Dir      string
	Start    time.Time
	Trigger  string
	PreRoll  time.Duration
	Bindings []device.Binding

	mu       sync.Mutex
	tracks   map[string]Track
	order    []string
	warnings []Warning
	last     time.Time
	lost     map[string]bool
}

// Create makes the session directory under root. When two sessions start
// in the same millisecond the later one gets a numeric suffix.
func Create(root string, start time.Time, bindings []device.Binding, trigger string) (*Session, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	base := NewID(start)
	id := base
	for i := 1; ; i++ {
		err := os.Mkdir(filepath.Join(root, id), 0755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || i > 99 {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		id = fmt.Sprintf("%s-%d", base, i)
	}
	return &Session{
		ID:       id,
		Dir:      filepath.Join(root, id),
		Start:    start,
		Trigger:  trigger,
		Bindings: bindings,
		tracks:   make(map[string]Track),
		last:     start,
		lost:     make(map[string]bool),
	}, nil
}

// OpenTracks creates a track for every recording binding. Video devices
// reuse a running pre-roll job from spools when present; its file is moved
// into the session directory. On failure every opened track is closed.
func (s *Session) OpenTracks(pipe *encoding.Pipeline, spools map[string]*encoding.Job, drainTimeout time.Duration) (map[string]Track, error) {
	opened := make(map[string]Track)
	var order []string
	fail := func(err error) (map[string]Track, error) {
		for _, id := range order {
			if _, cerr := opened[id].Close(s.Start); cerr != nil {
				err = multierr.Append(err, cerr)
			}
		}
		return nil, err
	}

	for _, b := range s.Bindings {
		var (
			track Track
			err   error
		)
		switch {
		case b.Has(device.RoleRecordAudio):
			track, err = CreateWAV(s.Dir, b)
		case b.Has(device.RoleRecordMIDI):
			track, err = CreateMIDI(s.Dir, b, s.Start)
		case b.Has(device.RoleRecordVideo):
			name := TrackName(ModalityVideo, b.ID)
			if job, ok := spools[b.ID]; ok && job != nil {
				if err = job.Move(s.Dir, name); err == nil {
					track = NewVideoTrack(b.ID, job, drainTimeout)
				}
				break
			}
			if pipe == nil {
				err = errors.New("no encoding pipeline")
				break
			}
			var job *encoding.Job
			job, err = pipe.StartJob(encoding.JobSpec{DeviceID: b.ID, Caps: b.Caps, Dir: s.Dir, Name: name})
			if err == nil {
				track = NewVideoTrack(b.ID, job, drainTimeout)
			}
		default:
			continue
		}
		if err != nil {
			return fail(fmt.Errorf("device %s: %w", b.ID, err))
		}
		opened[b.ID] = track
		order = append(order, b.ID)
	}

	s.mu.Lock()
	s.tracks = opened
	s.order = order
	s.mu.Unlock()
	return opened, nil
}

// Tracks returns the open tracks keyed by device id.
func (s *Session) Tracks() map[string]Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Track, len(s.tracks))
	for id, t := range s.tracks {
		out[id] = t
	}
	return out
}

// Warn attaches a non-fatal problem to the session.
func (s *Session) Warn(deviceID, format string, args ...any) {
	w := Warning{Time: time.Now().UTC(), Device: deviceID, Message: fmt.Sprintf(format, args...)}
	s.mu.Lock()
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()
	slog.Warn("Session warning", "session", s.ID, "device", deviceID, "message", w.Message)
}

// Warnings returns a copy of the attached warnings.
func (s *Session) Warnings() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Warning(nil), s.warnings...)
}

// MarkLost records that a device stopped delivering data. It reports
// whether this is the first report for the device.
func (s *Session) MarkLost(deviceID string, err error) bool {
	s.mu.Lock()
	first := !s.lost[deviceID]
	s.lost[deviceID] = true
	s.mu.Unlock()
	if first {
		s.Warn(deviceID, "device lost: %v", err)
	}
	return first
}

// Touch records activity at t.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	if t.After(s.last) {
		s.last = t
	}
	s.mu.Unlock()
}

// LastActivity returns the latest activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Devices returns the ids of bound devices, in binding order.
func (s *Session) Devices() []string {
	ids := make([]string, 0, len(s.Bindings))
	for _, b := range s.Bindings {
		ids = append(ids, b.ID)
	}
	return ids
}

// InitialMetadata is the document written when recording starts. It lets
// recovery describe a session that never finalized.
func (s *Session) InitialMetadata(host string) *Metadata {
	m := &Metadata{
		Version:      MetadataVersion,
		ID:           s.ID,
		Timestamp:    s.Start.UTC(),
		PreRollMs:    s.PreRoll.Milliseconds(),
		Trigger:      s.Trigger,
		Host:         host,
		Files:        make(map[Modality][]File),
		RepairStatus: RepairNone,
		LockState:    LockHeld,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		for _, b := range s.Bindings {
			if b.ID != id {
				continue
			}
			m.SetFile(plannedFile(b, s.tracks[id]))
		}
	}
	return m
}

func plannedFile(b device.Binding, t Track) File {
	switch tr := t.(type) {
	case *WAVTrack:
		return File{Device: b.ID, Modality: ModalityAudio, Name: tr.name, Codec: "pcm_s16le"}
	case *MIDITrack:
		return File{Device: b.ID, Modality: ModalityMIDI, Name: tr.name, Codec: "smf0"}
	case *VideoTrack:
		plan := tr.job.Plan()
		codec := string(plan.Codec)
		if plan.Passthrough {
			codec = plan.SourceCodec
		}
		return File{Device: b.ID, Modality: ModalityVideo, Name: filepath.Base(tr.job.Path()), Codec: codec}
	default:
		return File{Device: b.ID}
	}
}
