package device

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func TestBindingValidate(t *testing.T) {
	tests := []struct {
		name    string
		binding Binding
		wantErr string
	}{
		{
			name:    "midi trigger and recorder",
			binding: Binding{ID: "keys", Kind: KindMIDI, Sources: []string{"Launchkey"}, Roles: []Role{RoleTrigger, RoleRecordMIDI}},
		},
		{
			name:    "audio recorder",
			binding: Binding{ID: "gtr", Kind: KindAudio, Sources: []string{"system:capture_1"}, Roles: []Role{RoleRecordAudio}},
		},
		{
			name:    "missing id",
			binding: Binding{Kind: KindMIDI, Sources: []string{"x"}, Roles: []Role{RoleTrigger}},
			wantErr: "requires an id",
		},
		{
			name:    "audio trigger rejected",
			binding: Binding{ID: "mic", Kind: KindAudio, Sources: []string{"system:capture_1"}, Roles: []Role{RoleTrigger}},
			wantErr: "requires a midi device",
		},
		{
			name:    "unknown role",
			binding: Binding{ID: "cam", Kind: KindVideo, Sources: []string{"/dev/video0"}, Roles: []Role{"record-smell"}},
			wantErr: "unknown role",
		},
		{
			name:    "no source",
			binding: Binding{ID: "cam", Kind: KindVideo, Roles: []Role{RoleRecordVideo}},
			wantErr: "no source",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.binding.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestBindingRates(t *testing.T) {
	audio := Binding{Kind: KindAudio, Caps: Capabilities{SampleRate: 48000}}
	if got := audio.ChunkFrames(); got != 960 {
		t.Errorf("ChunkFrames = %d, want 960", got)
	}
	if got := audio.ChunkDuration(); got != 20*time.Millisecond {
		t.Errorf("ChunkDuration = %v, want 20ms", got)
	}
	if got := audio.Rate(); got != 50 {
		t.Errorf("audio Rate = %v, want 50", got)
	}

	video := Binding{Kind: KindVideo, Caps: Capabilities{FrameRate: 25}}
	if got := video.Rate(); got != 25 {
		t.Errorf("video Rate = %v, want 25", got)
	}
	if got := (Binding{Kind: KindMIDI}).Rate(); got != DefaultMIDIRate {
		t.Errorf("midi Rate = %v, want %d", got, DefaultMIDIRate)
	}
}

func TestBindingEqual(t *testing.T) {
	a := Binding{ID: "keys", Kind: KindMIDI, Sources: []string{"Launchkey"}, Roles: []Role{RoleTrigger}}
	b := a
	b.Sources = []string{"Launchkey"}
	if !a.Equal(b) {
		t.Error("identical bindings should be equal")
	}
	b.Roles = []Role{RoleTrigger, RoleRecordMIDI}
	if a.Equal(b) {
		t.Error("bindings with different roles should differ")
	}
}

func TestMIDIClassification(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		noteOn   bool
		channel  bool
		realtime bool
	}{
		{"note on", []byte{0x90, 60, 100}, true, true, false},
		{"note on zero velocity", []byte{0x90, 60, 0}, false, true, false},
		{"note off", []byte{0x80, 60, 0}, false, true, false},
		{"control change", []byte{0xB0, 64, 127}, false, true, false},
		{"timing clock", []byte{0xF8}, false, false, true},
		{"active sensing", []byte{0xFE}, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNoteOn(tt.raw); got != tt.noteOn {
				t.Errorf("IsNoteOn = %v, want %v", got, tt.noteOn)
			}
			if got := IsChannelMessage(tt.raw); got != tt.channel {
				t.Errorf("IsChannelMessage = %v, want %v", got, tt.channel)
			}
			if got := IsRealtime(tt.raw); got != tt.realtime {
				t.Errorf("IsRealtime = %v, want %v", got, tt.realtime)
			}
		})
	}

	cc, val, ok := ControlChange([]byte{0xB0, 64, 127})
	if !ok || cc != 64 || val != 127 {
		t.Errorf("ControlChange = %d/%d/%v", cc, val, ok)
	}
}

func TestPeakDBFS(t *testing.T) {
	if got := PeakDBFS(make([]byte, 64)); !math.IsInf(got, -1) {
		t.Errorf("silence = %v, want -Inf", got)
	}
	full := []byte{0x00, 0x80} // -32768
	if got := PeakDBFS(full); math.Abs(got) > 0.001 {
		t.Errorf("full scale = %v, want 0", got)
	}
	half := []byte{0x00, 0x40} // 16384
	if got := PeakDBFS(half); math.Abs(got+6.02) > 0.01 {
		t.Errorf("half scale = %v, want about -6.02", got)
	}
}

func TestSplitJPEG(t *testing.T) {
	frame1 := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	frame2 := []byte{0xFF, 0xD8, 4, 5, 0xFF, 0xD9}
	stream := append([]byte{0x00, 0x11}, frame1...)
	stream = append(stream, frame2...)
	stream = append(stream, 0xFF, 0xD8, 9) // truncated tail

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJPEG)
	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], frame1) || !bytes.Equal(frames[1], frame2) {
		t.Errorf("frames = %x", frames)
	}
}

func TestRemovalMatches(t *testing.T) {
	cam := Binding{ID: "cam", Kind: KindVideo, Sources: []string{"/dev/video0"}}
	keys := Binding{ID: "keys", Kind: KindMIDI, Sources: []string{"Launchkey MIDI 1"}, Hotplug: "launchkey"}

	if !(Removal{DevName: "/dev/video0"}).Matches(cam) {
		t.Error("camera should match its device node")
	}
	if (Removal{DevName: "/dev/video1"}).Matches(cam) {
		t.Error("camera should not match another node")
	}
	if !(Removal{Model: "Launchkey_Mini"}).Matches(keys) {
		t.Error("keys should match hotplug pattern on model")
	}
	if (Removal{DevName: "/dev/snd/midiC1D0", Model: "Keystation"}).Matches(keys) {
		t.Error("keys should not match a different model")
	}
}

func TestPortValidation(t *testing.T) {
	pw := &PipeWire{run: func(context.Context, ...string) ([]byte, error) {
		return []byte("Output ports:\nsystem:capture_1\nChrome:output_FL\nChrome:output_FL\n"), nil
	}}
	if err := pw.ValidatePort("system:capture_1"); err != nil {
		t.Errorf("valid port: %v", err)
	}
	if err := pw.ValidatePort("missing:port"); err == nil || !strings.Contains(err.Error(), "port not found") {
		t.Errorf("missing port error = %v", err)
	}
	if err := pw.ValidatePort("Chrome:output_FL"); err == nil || !strings.Contains(err.Error(), "duplicate sources detected") {
		t.Errorf("duplicate port error = %v", err)
	}
	if err := pw.ValidatePort("disabled"); err != nil {
		t.Errorf("disabled port should be accepted: %v", err)
	}
}

func TestWireLinksConfiguredChannels(t *testing.T) {
	var links [][]string
	pw := &PipeWire{run: func(_ context.Context, args ...string) ([]byte, error) {
		if len(args) == 1 && args[0] == "-io" {
			return []byte("Output ports:\nsystem:capture_1\nsystem:capture_2\nInput ports:\njamwatch_mic:input_1\njamwatch_mic:input_2\n"), nil
		}
		links = append(links, args)
		return nil, nil
	}}
	b := Binding{
		ID:      "mic",
		Kind:    KindAudio,
		Sources: []string{"system:capture_1", "disabled", "system:capture_2"},
		Roles:   []Role{RoleRecordAudio},
		Caps:    Capabilities{Channels: 2, SampleRate: 48000},
	}
	if err := pw.Wire(context.Background(), b, "jamwatch_mic", time.Second); err != nil {
		t.Fatalf("Wire: %v", err)
	}
	if len(links) != 1 || links[0][0] != "system:capture_1" || links[0][1] != "jamwatch_mic:input_1" {
		t.Errorf("links = %v", links)
	}
}
