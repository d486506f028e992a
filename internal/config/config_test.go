package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/encoding"
)

const studioConfig = `
active_config: studio
globals:
  sessions_directory: /srv/jams
capture:
  heartbeat_interval: 10s
definitions:
  devices:
    - id: keys
      name: Stage Piano
      kind: midi
      sources: ["Digital Piano"]
      roles: [trigger, record-midi]
      trigger_ccs: [64]
    - id: mic
      kind: audio
      sources: ["system:capture_1", "system:capture_2"]
      roles: [record-audio]
    - id: cam
      kind: video
      sources: ["/dev/video0"]
      roles: [record-video]
      width: 1280
      height: 720
      frame_rate: 30
configs:
  default:
    devices:
      - ref: keys
      - ref: mic
    capture:
      pre_roll: 5s
      idle_timeout: 45s
    video:
      codec: vp9
  studio:
    devices:
      - ref: keys
        roles: [record-midi]
      - ref: cam
    capture:
      idle_timeout: 2m
      activity: trigger
    video:
      quality: 4
      encode_during_preroll: true
      passthrough_codecs: [mjpeg]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jamwatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadWithProfile_SelectionAndFallback(t *testing.T) {
	cfg, err := LoadWithProfile(writeConfig(t, studioConfig), "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Profile != "studio" {
		t.Errorf("Expected active profile 'studio', got %s", cfg.Profile)
	}

	// Only the devices listed by the profile are bound
	if len(cfg.Devices) != 2 || cfg.Devices[0].ID != "keys" || cfg.Devices[1].ID != "cam" {
		t.Fatalf("Expected devices [keys cam], got %+v", cfg.Devices)
	}
	if got := cfg.Devices[0].Roles; len(got) != 1 || got[0] != "record-midi" {
		t.Errorf("Expected keys roles overridden to [record-midi], got %v", got)
	}

	tests := []struct {
		key    string
		source string
	}{
		{"devices", "profile-specific"},
		{"capture.pre_roll", "inherited"},
		{"capture.idle_timeout", "profile-specific"},
		{"capture.heartbeat_interval", "global"},
		{"capture.trigger_debounce", "default"},
		{"video.codec", "inherited"},
		{"video.quality", "profile-specific"},
		{"sessions_directory", "global"},
	}
	for _, tt := range tests {
		if got := cfg.Inheritance.Source(tt.key); got != tt.source {
			t.Errorf("%s: expected %s, got %s", tt.key, tt.source, got)
		}
	}

	if cfg.Capture.PreRollDuration() != 5*time.Second {
		t.Errorf("Expected pre_roll 5s, got %s", cfg.Capture.PreRollDuration())
	}
	if cfg.Capture.IdleTimeout != 2*time.Minute {
		t.Errorf("Expected idle_timeout 2m, got %s", cfg.Capture.IdleTimeout)
	}
	if cfg.Capture.HeartbeatInterval != 10*time.Second {
		t.Errorf("Expected heartbeat_interval 10s, got %s", cfg.Capture.HeartbeatInterval)
	}
	if cfg.Capture.AudioActivityThresholdDB != DefaultAudioThresholdDB {
		t.Errorf("Expected default threshold, got %.1f", cfg.Capture.AudioActivityThresholdDB)
	}
	if cfg.SessionsDirectory != "/srv/jams" {
		t.Errorf("Expected sessions directory from globals, got %s", cfg.SessionsDirectory)
	}
	if cfg.Server.Listen != DefaultListen {
		t.Errorf("Expected default listen address, got %s", cfg.Server.Listen)
	}
}

func TestLoadWithProfile_DefaultProfile(t *testing.T) {
	cfg, err := LoadWithProfile(writeConfig(t, studioConfig), "default")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[1].ID != "mic" {
		t.Fatalf("Expected devices [keys mic], got %+v", cfg.Devices)
	}
	if cfg.Capture.Activity != ActivityAny {
		t.Errorf("Expected activity 'any', got %s", cfg.Capture.Activity)
	}
	if cfg.Video.Quality != DefaultQuality {
		t.Errorf("Expected default quality, got %d", cfg.Video.Quality)
	}
}

func TestLoadWithProfile_Errors(t *testing.T) {
	base := strings.Replace(studioConfig, "      activity: trigger\n", "", 1)

	tests := []struct {
		name        string
		config      string
		profile     string
		expectedErr string
	}{
		{
			name:        "unknown profile",
			config:      studioConfig,
			profile:     "live",
			expectedErr: "configuration profile 'live' not found",
		},
		{
			name:        "bad activity rule",
			config:      strings.Replace(base, "idle_timeout: 2m", "idle_timeout: 2m\n      activity: sometimes", 1),
			profile:     "studio",
			expectedErr: "capture.activity must be",
		},
		{
			name:        "quality out of range",
			config:      strings.Replace(base, "quality: 4", "quality: 9", 1),
			profile:     "studio",
			expectedErr: "video.quality must be between 1 and 5",
		},
		{
			name:        "unknown codec",
			config:      strings.Replace(base, "codec: vp9", "codec: h264", 1),
			profile:     "default",
			expectedErr: "video.codec must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithProfile(writeConfig(t, tt.config), tt.profile)
			if err == nil {
				t.Fatalf("Expected error containing '%s', got nil", tt.expectedErr)
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing '%s', got: %v", tt.expectedErr, err)
			}
		})
	}
}

func TestLoadWithProfile_NoFile(t *testing.T) {
	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error for empty config path")
	}
}

func TestMergeConfigs_ProfileWithoutDevices(t *testing.T) {
	base := &Config{
		Devices: []Device{{DeviceDefinition{ID: "keys", Kind: "midi"}}},
		Capture: CaptureConfig{PreRoll: durationPtr(8 * time.Second), Activity: ActivityTrigger},
	}
	profile := &Config{Capture: CaptureConfig{PreRoll: durationPtr(3 * time.Second)}}

	result := mergeConfigs(base, profile)

	if len(result.Devices) != 1 || result.Devices[0].ID != "keys" {
		t.Errorf("Expected devices inherited from base, got %+v", result.Devices)
	}
	if result.Inheritance.Source("devices") != "inherited" {
		t.Errorf("Expected devices to be inherited, got %s", result.Inheritance.Source("devices"))
	}
	if result.Capture.PreRollDuration() != 3*time.Second || result.Capture.Activity != ActivityTrigger {
		t.Errorf("Capture merge incorrect: %+v", result.Capture)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Music/JamWatch", filepath.Join(homeDir, "Music/JamWatch")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"},
	}

	for _, tt := range tests {
		if got := expandPath(tt.input); got != tt.expected {
			t.Errorf("expandPath(%s) = %s, expected %s", tt.input, got, tt.expected)
		}
	}
}

func TestSnapshot(t *testing.T) {
	cfg, err := LoadWithProfile(writeConfig(t, studioConfig), "studio")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	snap := cfg.Snapshot()

	if !snap.EncodeDuringPreroll {
		t.Error("Expected encode_during_preroll to be enabled")
	}
	if snap.Video.Codec != encoding.CodecVP9 || snap.Video.Quality != 4 {
		t.Errorf("Unexpected video settings: %+v", snap.Video)
	}
	if len(snap.Video.Passthrough) != 1 || snap.Video.Passthrough[0] != "mjpeg" {
		t.Errorf("Expected passthrough [mjpeg], got %v", snap.Video.Passthrough)
	}

	keys, cam := snap.Devices[0], snap.Devices[1]
	if keys.Kind != device.KindMIDI || keys.IsTrigger() || !keys.Has(device.RoleRecordMIDI) {
		t.Errorf("Unexpected keys binding: %+v", keys)
	}
	if len(keys.TriggerCCs) != 1 || keys.TriggerCCs[0] != 64 {
		t.Errorf("Expected trigger CC 64, got %v", keys.TriggerCCs)
	}
	if cam.Caps.Width != 1280 || cam.Caps.Height != 720 || cam.Caps.FrameRate != 30 {
		t.Errorf("Unexpected camera caps: %+v", cam.Caps)
	}
}

func TestSnapshotTopologyChanged(t *testing.T) {
	cfg, err := LoadWithProfile(writeConfig(t, studioConfig), "default")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	base := cfg.Snapshot()

	tests := []struct {
		name   string
		mutate func(s *Snapshot)
		want   bool
	}{
		{"unchanged", func(s *Snapshot) {}, false},
		{"idle timeout", func(s *Snapshot) { s.IdleTimeout = time.Hour }, false},
		{"activity rule", func(s *Snapshot) { s.Activity = ActivityTrigger }, false},
		{"pre-roll", func(s *Snapshot) { s.PreRoll = time.Minute }, true},
		{"device roles", func(s *Snapshot) {
			s.Devices[0].Roles = []device.Role{device.RoleRecordMIDI}
		}, true},
		{"passthrough codecs", func(s *Snapshot) { s.Video.Passthrough = []string{"h264"} }, true},
		{"sessions directory", func(s *Snapshot) { s.SessionsDir = "/tmp/other" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := cfg.Snapshot()
			tt.mutate(&next)
			if got := base.TopologyChanged(next); got != tt.want {
				t.Errorf("TopologyChanged = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	path := writeConfig(t, studioConfig)
	if err := UpdateActiveConfig(path, "default"); err != nil {
		t.Fatalf("Failed to update active config: %v", err)
	}
	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Failed to reload configuration: %v", err)
	}
	if cfg.Profile != "default" {
		t.Errorf("Expected active profile 'default', got %s", cfg.Profile)
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestZeroPreRollIsKept(t *testing.T) {
	noPreRoll := strings.Replace(studioConfig, "pre_roll: 5s", "pre_roll: 0s", 1)
	cfg, err := LoadWithProfile(writeConfig(t, noPreRoll), "default")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Capture.PreRoll == nil || *cfg.Capture.PreRoll != 0 {
		t.Errorf("Expected explicit pre_roll 0s to be kept, got %v", cfg.Capture.PreRoll)
	}
	if got := cfg.Snapshot().PreRoll; got != 0 {
		t.Errorf("Expected snapshot pre-roll 0, got %s", got)
	}

	unset := strings.Replace(studioConfig, "      pre_roll: 5s\n", "", 1)
	cfg, err = LoadWithProfile(writeConfig(t, unset), "default")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if got := cfg.Snapshot().PreRoll; got != DefaultPreRoll {
		t.Errorf("Expected default pre-roll %s, got %s", DefaultPreRoll, got)
	}
}
