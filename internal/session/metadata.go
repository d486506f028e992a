package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// MetadataFile is the metadata document inside a session directory.
const MetadataFile = "session.json"

// MetadataVersion is bumped when the document layout changes.
const MetadataVersion = 1

// ErrNoMetadata is returned by Load for a directory without metadata.
var ErrNoMetadata = errors.New("session: no metadata")

// Modality groups files by the kind of data they hold.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityMIDI  Modality = "midi"
	ModalityVideo Modality = "video"
)

// RepairStatus records what recovery did to a session.
type RepairStatus string

const (
	// RepairNone marks a session that was finalized normally.
	RepairNone RepairStatus = "none"
	// RepairPending marks an interrupted session awaiting explicit repair.
	RepairPending RepairStatus = "pending"
	RepairDone    RepairStatus = "repaired"
	RepairFailed  RepairStatus = "failed"
)

// Lock states stored in metadata.
const (
	LockHeld     = "held"
	LockReleased = "released"
	LockCleared  = "cleared"
)

// File describes one persisted stream.
type File struct {
	Device     string    `json:"device"`
	Modality   Modality  `json:"modality"`
	Name       string    `json:"name"`
	Start      time.Time `json:"start,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Codec      string    `json:"codec,omitempty"`
	Dropped    uint64    `json:"dropped_frames,omitempty"`
	Incomplete bool      `json:"incomplete,omitempty"`
	Repaired   string    `json:"repaired,omitempty"`
}

// Duration returns the stream length.
func (f File) Duration() time.Duration {
	return time.Duration(f.DurationMs) * time.Millisecond
}

// Warning is a non-fatal problem attached to a session.
type Warning struct {
	Time    time.Time `json:"time"`
	Device  string    `json:"device,omitempty"`
	Message string    `json:"message"`
}

// RepairAction is one change made by recovery.
type RepairAction struct {
	Time   time.Time `json:"time"`
	File   string    `json:"file"`
	Action string    `json:"action"`
}

// Metadata is the persisted record of a session. It is written when the
// session starts, rewritten when it is finalized, and updated by repair.
type Metadata struct {
	Version            int                 `json:"version"`
	ID                 string              `json:"id"`
	Timestamp          time.Time           `json:"timestamp"`
	EndedAt            time.Time           `json:"ended_at,omitempty"`
	DurationMs         int64               `json:"duration_ms"`
	PreRollMs          int64               `json:"pre_roll_ms"`
	Trigger            string              `json:"trigger,omitempty"`
	Host               string              `json:"host,omitempty"`
	Title              string              `json:"title"`
	Notes              string              `json:"notes"`
	Files              map[Modality][]File `json:"files"`
	RepairStatus       RepairStatus        `json:"repair_status"`
	LockState          string              `json:"lock_state"`
	Warnings           []Warning           `json:"warnings,omitempty"`
	DroppedFrames      uint64              `json:"dropped_frames"`
	EncodingIncomplete bool                `json:"encoding_incomplete"`
	Repairs            []RepairAction      `json:"repairs,omitempty"`
}

// Duration returns the aggregate session length.
func (m *Metadata) Duration() time.Duration {
	return time.Duration(m.DurationMs) * time.Millisecond
}

// AllFiles returns every file across modalities in a stable order.
func (m *Metadata) AllFiles() []File {
	var out []File
	for _, mod := range []Modality{ModalityAudio, ModalityMIDI, ModalityVideo} {
		out = append(out, m.Files[mod]...)
	}
	return out
}

// SetFile adds f, replacing an existing entry for the same device and
// modality.
func (m *Metadata) SetFile(f File) {
	if m.Files == nil {
		m.Files = make(map[Modality][]File)
	}
	files := m.Files[f.Modality]
	for i := range files {
		if files[i].Device == f.Device {
			files[i] = f
			return
		}
	}
	m.Files[f.Modality] = append(files, f)
}

// Recompute derives the aggregate duration, dropped-frame total and
// encoding flag from the file list. Duration is the longest stream.
func (m *Metadata) Recompute() {
	var longest time.Duration
	var dropped uint64
	incomplete := false
	for _, f := range m.AllFiles() {
		if d := f.Duration(); d > longest {
			longest = d
		}
		dropped += f.Dropped
		if f.Modality == ModalityVideo && f.Incomplete {
			incomplete = true
		}
	}
	m.DurationMs = longest.Milliseconds()
	m.DroppedFrames = dropped
	m.EncodingIncomplete = m.EncodingIncomplete || incomplete
}

// Save writes metadata to dir atomically.
func Save(dir string, m *Metadata) error {
	if m.Version == 0 {
		m.Version = MetadataVersion
	}
	tmpFile, err := os.CreateTemp(dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, filepath.Join(dir, MetadataFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// Load reads the metadata in dir.
func Load(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoMetadata
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", dir, err)
	}
	if m.Files == nil {
		m.Files = make(map[Modality][]File)
	}
	return &m, nil
}
