package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/lock"
)

func audioBinding() device.Binding {
	return device.Binding{
		ID: "gtr", Kind: device.KindAudio, Sources: []string{"system:capture_1"},
		Roles: []device.Role{device.RoleRecordAudio},
		Caps:  device.Capabilities{SampleRate: 8000},
	}
}

func midiBinding() device.Binding {
	return device.Binding{
		ID: "keys", Kind: device.KindMIDI, Sources: []string{"Keys"},
		Roles: []device.Role{device.RoleTrigger, device.RoleRecordMIDI},
	}
}

func pcmChunk(frames int, value int16) []byte {
	buf := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(value))
	}
	return buf
}

func TestVarLen(t *testing.T) {
	tests := []struct {
		value uint32
		bytes []byte
	}{
		{0, []byte{0x00}},
		{0x40, []byte{0x40}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x81, 0x00}},
		{0x2000, []byte{0xC0, 0x00}},
		{0x3FFF, []byte{0xFF, 0x7F}},
		{0x100000, []byte{0xC0, 0x80, 0x00}},
		{0x0FFFFFFF, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}
	for _, tt := range tests {
		got := AppendVarLen(nil, tt.value)
		if !bytes.Equal(got, tt.bytes) {
			t.Errorf("AppendVarLen(%#x) = %x, want %x", tt.value, got, tt.bytes)
		}
		v, n, ok := ReadVarLen(got)
		if !ok || v != tt.value || n != len(tt.bytes) {
			t.Errorf("ReadVarLen(%x) = %#x/%d/%v", got, v, n, ok)
		}
	}
	if _, _, ok := ReadVarLen([]byte{0x81}); ok {
		t.Error("truncated quantity should not decode")
	}
}

func TestMIDITrackWritesValidFile(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	track, err := CreateMIDI(dir, midiBinding(), start)
	if err != nil {
		t.Fatal(err)
	}
	events := []device.Packet{
		{Time: start.Add(100 * time.Millisecond), Data: []byte{0x90, 60, 100}},
		{Time: start.Add(150 * time.Millisecond), Data: []byte{0xF8}},
		{Time: start.Add(600 * time.Millisecond), Data: []byte{0x80, 60, 0}},
		{Time: start.Add(700 * time.Millisecond), Data: []byte{0xF0, 0x7E, 0x7F, 0x06, 0x01, 0xF7}},
	}
	for _, p := range events {
		if err := track.Write(p); err != nil {
			t.Fatal(err)
		}
	}
	if track.Events() != 3 {
		t.Errorf("Events = %d, want 3 (clock skipped)", track.Events())
	}
	file, err := track.Close(start.Add(2 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if file.Duration() < 1990*time.Millisecond || file.Duration() > 2010*time.Millisecond {
		t.Errorf("Duration = %v, want about 2s", file.Duration())
	}

	data, err := os.ReadFile(filepath.Join(dir, file.Name))
	if err != nil {
		t.Fatal(err)
	}
	body := data[MIDITrackDataOffset:]
	if got := binary.BigEndian.Uint32(data[MIDITrackLengthOffset:]); int(got) != len(body) {
		t.Errorf("track length = %d, body = %d", got, len(body))
	}
	scan := ScanTrack(body)
	if scan.EOTEnd != len(body) {
		t.Errorf("EOTEnd = %d, want %d", scan.EOTEnd, len(body))
	}
	if scan.Events != 4 {
		t.Errorf("scanned %d events, want 4 (tempo + 3)", scan.Events)
	}

	parsed, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("smf.ReadFrom: %v", err)
	}
	if len(parsed.Tracks) != 1 {
		t.Errorf("tracks = %d, want 1", len(parsed.Tracks))
	}
}

func TestMIDITrackTruncatedWithoutClose(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	track, err := CreateMIDI(dir, midiBinding(), start)
	if err != nil {
		t.Fatal(err)
	}
	_ = track.Write(device.Packet{Time: start.Add(time.Second), Data: []byte{0x90, 64, 80}})

	data, err := os.ReadFile(filepath.Join(dir, "midi-keys.mid"))
	if err != nil {
		t.Fatal(err)
	}
	if binary.BigEndian.Uint32(data[MIDITrackLengthOffset:]) != 0 {
		t.Error("unfinished track should carry the placeholder length")
	}
	scan := ScanTrack(data[MIDITrackDataOffset:])
	if scan.EOTEnd != -1 || scan.Events != 2 {
		t.Errorf("scan = %+v", scan)
	}
	if scan.Ticks != TicksAt(time.Second) {
		t.Errorf("Ticks = %d, want %d", scan.Ticks, TicksAt(time.Second))
	}
	track.f.Close()
}

func TestScanTrackStopsAtPartialEvent(t *testing.T) {
	body := []byte{0x00, 0x90, 60, 100, 0x10, 0x80, 60}
	scan := ScanTrack(body)
	if scan.End != 4 || scan.Events != 1 || scan.EOTEnd != -1 {
		t.Errorf("scan = %+v", scan)
	}

	running := []byte{0x00, 0x90, 60, 100, 0x10, 62, 100, 0x00, 0xFF, 0x2F, 0x00}
	scan = ScanTrack(running)
	if scan.Events != 2 || scan.EOTEnd != len(running) || scan.Ticks != 0x10 {
		t.Errorf("running status scan = %+v", scan)
	}
}

func TestWAVTrack(t *testing.T) {
	dir := t.TempDir()
	track, err := CreateWAV(dir, audioBinding())
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	for i := 0; i < 50; i++ {
		p := device.Packet{Time: start.Add(time.Duration(i) * 20 * time.Millisecond), Data: pcmChunk(160, int16(i*100))}
		if err := track.Write(p); err != nil {
			t.Fatal(err)
		}
	}
	file, err := track.Close(start.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if file.Duration() != time.Second {
		t.Errorf("Duration = %v, want 1s", file.Duration())
	}
	if !file.Start.Equal(start) {
		t.Errorf("Start = %v, want %v", file.Start, start)
	}

	f, err := os.Open(filepath.Join(dir, file.Name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("written file is not a valid WAV")
	}
	dur, err := dec.Duration()
	if err != nil {
		t.Fatal(err)
	}
	if dur != time.Second {
		t.Errorf("decoded duration = %v, want 1s", dur)
	}
	info, _ := f.Stat()
	if info.Size() != 44+8000*2 {
		t.Errorf("file size = %d, want %d", info.Size(), 44+8000*2)
	}
}

func TestCreateAvoidsCollisions(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 3, 1, 20, 15, 0, 123e6, time.UTC)
	a, err := Create(root, start, nil, "manual")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Create(root, start, nil, "manual")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "20260301-201500.123" {
		t.Errorf("ID = %s", a.ID)
	}
	if b.ID != a.ID+"-1" {
		t.Errorf("second ID = %s", b.ID)
	}
}

func TestMetadataRecompute(t *testing.T) {
	m := &Metadata{}
	m.SetFile(File{Device: "gtr", Modality: ModalityAudio, DurationMs: 61000})
	m.SetFile(File{Device: "keys", Modality: ModalityMIDI, DurationMs: 62500})
	m.SetFile(File{Device: "cam", Modality: ModalityVideo, DurationMs: 60000, Dropped: 12, Incomplete: true})
	m.SetFile(File{Device: "gtr", Modality: ModalityAudio, DurationMs: 61500})
	m.Recompute()

	if m.DurationMs != 62500 {
		t.Errorf("DurationMs = %d, want longest stream 62500", m.DurationMs)
	}
	if len(m.Files[ModalityAudio]) != 1 || m.Files[ModalityAudio][0].DurationMs != 61500 {
		t.Errorf("audio files = %+v", m.Files[ModalityAudio])
	}
	if m.DroppedFrames != 12 || !m.EncodingIncomplete {
		t.Errorf("dropped = %d incomplete = %v", m.DroppedFrames, m.EncodingIncomplete)
	}

	dir := t.TempDir()
	m.ID = "x"
	if err := Save(dir, m); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version != MetadataVersion || loaded.DurationMs != 62500 || len(loaded.AllFiles()) != 3 {
		t.Errorf("loaded = %+v", loaded)
	}
	if _, err := Load(t.TempDir()); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("Load empty dir error = %v", err)
	}
}

type recordingIndex struct{ upserts []*Metadata }

func (r *recordingIndex) Upsert(_ context.Context, m *Metadata) error {
	r.upserts = append(r.upserts, m)
	return nil
}

type brokenTrack struct{}

func (brokenTrack) Write(device.Packet) error { return nil }
func (brokenTrack) Close(time.Time) (File, error) {
	return File{Device: "gtr", Modality: ModalityAudio, Name: "audio-gtr.wav"}, errors.New("no space left on device")
}

func newLockedSession(t *testing.T, owner lock.Owner) *Session {
	t.Helper()
	start := time.Now()
	s, err := Create(t.TempDir(), start, []device.Binding{audioBinding(), midiBinding()}, "keys")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lock.Acquire(s.Dir, owner, s.ID, start); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFinalizeReleasesLockLast(t *testing.T) {
	owner := lock.Owner{Host: "studio", PID: 1, Instance: "test"}
	s := newLockedSession(t, owner)
	tracks, err := s.OpenTracks(nil, nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = tracks["gtr"].Write(device.Packet{Time: s.Start, Data: pcmChunk(8000, 10)})
	_ = tracks["keys"].Write(device.Packet{Time: s.Start.Add(500 * time.Millisecond), Data: []byte{0x90, 60, 1}})
	s.Warn("cam", "device lost: %v", "unplugged")

	idx := &recordingIndex{}
	fin := &Finalizer{Owner: owner, Index: idx}
	m, err := fin.Finalize(context.Background(), s, s.Start.Add(3*time.Second))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if m.DurationMs < 2990 {
		t.Errorf("duration = %dms, want the MIDI track's 3s", m.DurationMs)
	}
	if m.LockState != LockReleased || m.RepairStatus != RepairNone {
		t.Errorf("lock/repair = %s/%s", m.LockState, m.RepairStatus)
	}
	if len(m.Warnings) != 1 || !strings.Contains(m.Warnings[0].Message, "unplugged") {
		t.Errorf("warnings = %+v", m.Warnings)
	}
	if _, err := lock.Read(s.Dir); !errors.Is(err, lock.ErrNotFound) {
		t.Errorf("lock still present: %v", err)
	}
	if len(idx.upserts) != 1 || idx.upserts[0].ID != s.ID {
		t.Errorf("index upserts = %d", len(idx.upserts))
	}
	onDisk, err := Load(s.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(onDisk.Files[ModalityAudio]) != 1 || len(onDisk.Files[ModalityMIDI]) != 1 {
		t.Errorf("files on disk = %+v", onDisk.Files)
	}
}

func TestFinalizeFailureKeepsLock(t *testing.T) {
	owner := lock.Owner{Host: "studio", PID: 1, Instance: "test"}
	s := newLockedSession(t, owner)
	s.tracks = map[string]Track{"gtr": brokenTrack{}}
	s.order = []string{"gtr"}

	idx := &recordingIndex{}
	fin := &Finalizer{Owner: owner, Index: idx}
	m, err := fin.Finalize(context.Background(), s, s.Start.Add(time.Second))
	if err == nil {
		t.Fatal("expected finalize error")
	}
	if m.RepairStatus != RepairPending || m.LockState != LockHeld {
		t.Errorf("metadata = %s/%s", m.RepairStatus, m.LockState)
	}
	if _, err := lock.Read(s.Dir); err != nil {
		t.Errorf("lock should survive a failed finalize: %v", err)
	}
	if len(idx.upserts) != 0 {
		t.Error("index must not be updated on failure")
	}
}
