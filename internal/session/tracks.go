package session

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/encoding"
)

// Track is the persisted stream of one committed device. Write receives
// packets in capture order; Close flushes the file and describes it.
type Track interface {
	Write(p device.Packet) error
	Close(end time.Time) (File, error)
}

// TrackName returns the file base name for a device and modality.
func TrackName(mod Modality, deviceID string) string {
	return string(mod) + "-" + deviceID
}

// bufferedFile batches small writes and flushes before every seek so
// header patching lands on disk in order.
type bufferedFile struct {
	f *os.File
	w *bufio.Writer
}

var _ io.WriteSeeker = (*bufferedFile)(nil)

func newBufferedFile(f *os.File) *bufferedFile {
	return &bufferedFile{f: f, w: bufio.NewWriterSize(f, 64<<10)}
}

func (b *bufferedFile) Write(p []byte) (int, error) {
	return b.w.Write(p)
}

func (b *bufferedFile) Seek(offset int64, whence int) (int64, error) {
	if err := b.w.Flush(); err != nil {
		return 0, err
	}
	return b.f.Seek(offset, whence)
}

func (b *bufferedFile) Flush() error {
	return b.w.Flush()
}

// WAVTrack writes s16le chunks into a WAV file as they arrive. The header
// sizes are only correct after Close; a crash leaves a file that repair can
// re-index from its length.
type WAVTrack struct {
	device     string
	name       string
	f          *os.File
	out        *bufferedFile
	enc        *wav.Encoder
	buf        *audio.IntBuffer
	sampleRate int
	channels   int
	frames     int64
	first      time.Time
}

// CreateWAV creates the audio file for b in dir.
func CreateWAV(dir string, b device.Binding) (*WAVTrack, error) {
	sampleRate := b.Caps.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	channels := b.Channels()
	name := TrackName(ModalityAudio, b.ID) + ".wav"
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create audio file: %w", err)
	}
	out := newBufferedFile(f)
	t := &WAVTrack{
		device:     b.ID,
		name:       name,
		f:          f,
		out:        out,
		enc:        wav.NewEncoder(out, sampleRate, 16, channels, 1),
		sampleRate: sampleRate,
		channels:   channels,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}
	// Emit the header immediately so an early crash still leaves a
	// recognizable file.
	if err := t.enc.Write(t.buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write audio header: %w", err)
	}
	if err := out.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write audio header: %w", err)
	}
	return t, nil
}

// Write appends one PCM chunk.
func (t *WAVTrack) Write(p device.Packet) error {
	samples := len(p.Data) / device.BytesPerSample
	samples -= samples % t.channels
	if samples == 0 {
		return nil
	}
	if t.first.IsZero() {
		t.first = p.Time
	}
	if cap(t.buf.Data) < samples {
		t.buf.Data = make([]int, samples)
	}
	t.buf.Data = t.buf.Data[:samples]
	for i := range t.buf.Data {
		t.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(p.Data[i*2:])))
	}
	if err := t.enc.Write(t.buf); err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}
	if err := t.out.Flush(); err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}
	t.frames += int64(samples / t.channels)
	return nil
}

// Duration returns the length of audio written so far.
func (t *WAVTrack) Duration() time.Duration {
	return time.Duration(t.frames) * time.Second / time.Duration(t.sampleRate)
}

// Close patches the header sizes and closes the file.
func (t *WAVTrack) Close(time.Time) (File, error) {
	file := File{
		Device:     t.device,
		Modality:   ModalityAudio,
		Name:       t.name,
		Start:      t.first,
		DurationMs: t.Duration().Milliseconds(),
		Codec:      "pcm_s16le",
	}
	if err := t.enc.Close(); err != nil {
		t.f.Close()
		return file, fmt.Errorf("failed to finalize audio header: %w", err)
	}
	if err := t.out.Flush(); err != nil {
		t.f.Close()
		return file, fmt.Errorf("failed to flush audio: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		t.f.Close()
		return file, fmt.Errorf("failed to sync audio: %w", err)
	}
	return file, t.f.Close()
}

// MIDITrack streams events into a format 0 Standard MIDI File. The track
// length is patched on Close; a crash leaves a track without End-of-Track
// that repair can close.
type MIDITrack struct {
	device   string
	name     string
	f        *os.File
	w        *bufio.Writer
	start    time.Time
	lastTick uint32
	length   uint32
	events   int
	scratch  []byte
}

// CreateMIDI creates the MIDI file for b in dir. Event times are measured
// from start.
func CreateMIDI(dir string, b device.Binding, start time.Time) (*MIDITrack, error) {
	name := TrackName(ModalityMIDI, b.ID) + ".mid"
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create midi file: %w", err)
	}
	t := &MIDITrack{device: b.ID, name: name, f: f, w: bufio.NewWriter(f), start: start}
	if _, err := t.w.Write(MIDIHeader()); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write midi header: %w", err)
	}
	if err := t.writeTrack(tempoEvent); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *MIDITrack) writeTrack(b []byte) error {
	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("failed to write midi: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("failed to write midi: %w", err)
	}
	t.length += uint32(len(b))
	return nil
}

func (t *MIDITrack) deltaTo(at time.Time) uint32 {
	tick := TicksAt(at.Sub(t.start))
	if tick < t.lastTick {
		tick = t.lastTick
	}
	delta := tick - t.lastTick
	t.lastTick = tick
	return delta
}

// Write appends one MIDI message. Realtime and system common messages are
// not representable in a file and are skipped.
func (t *MIDITrack) Write(p device.Packet) error {
	event := EncodeEvent(p.Data)
	if event == nil {
		return nil
	}
	t.scratch = AppendVarLen(t.scratch[:0], t.deltaTo(p.Time))
	t.scratch = append(t.scratch, event...)
	if err := t.writeTrack(t.scratch); err != nil {
		return err
	}
	t.events++
	return nil
}

// Events returns the number of events written.
func (t *MIDITrack) Events() int { return t.events }

// Close writes End-of-Track at end, patches the track length and closes
// the file.
func (t *MIDITrack) Close(end time.Time) (File, error) {
	eot := AppendVarLen(nil, t.deltaTo(end))
	eot = append(eot, EndOfTrack...)
	file := File{
		Device:     t.device,
		Modality:   ModalityMIDI,
		Name:       t.name,
		Start:      t.start,
		DurationMs: TicksDuration(t.lastTick).Milliseconds(),
		Codec:      "smf0",
	}
	if err := t.writeTrack(eot); err != nil {
		t.f.Close()
		return file, err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], t.length)
	if _, err := t.f.WriteAt(length[:], MIDITrackLengthOffset); err != nil {
		t.f.Close()
		return file, fmt.Errorf("failed to patch midi track length: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		t.f.Close()
		return file, fmt.Errorf("failed to sync midi: %w", err)
	}
	return file, t.f.Close()
}

// VideoTrack hands frames to an encoding job. Encoder trouble never fails
// the session: the file is flagged incomplete instead.
type VideoTrack struct {
	device  string
	job     *encoding.Job
	timeout time.Duration
}

// NewVideoTrack wraps a running job.
func NewVideoTrack(deviceID string, job *encoding.Job, drainTimeout time.Duration) *VideoTrack {
	return &VideoTrack{device: deviceID, job: job, timeout: drainTimeout}
}

// Job returns the underlying encoding job.
func (t *VideoTrack) Job() *encoding.Job { return t.job }

// Write queues a frame without blocking.
func (t *VideoTrack) Write(p device.Packet) error {
	t.job.Push(p)
	return nil
}

// Close drains the job within the drain timeout. Encoder failures are
// returned as a DegradedError.
func (t *VideoTrack) Close(time.Time) (File, error) {
	res := t.job.Finish(t.timeout)
	var err error
	switch {
	case res.Err != nil:
		err = &DegradedError{Device: t.device, Err: res.Err}
	case res.Incomplete:
		err = &DegradedError{Device: t.device, Err: fmt.Errorf("encoder did not drain within %s", t.timeout)}
	}
	return File{
		Device:     t.device,
		Modality:   ModalityVideo,
		Name:       filepath.Base(res.Path),
		Start:      res.First,
		DurationMs: res.Duration().Milliseconds(),
		Codec:      res.Codec,
		Dropped:    res.Dropped,
		Incomplete: res.Incomplete,
	}, err
}

// DegradedError is a track failure that leaves a usable but annotated
// session.
type DegradedError struct {
	Device string
	Err    error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Device, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }
