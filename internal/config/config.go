package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/encoding"
)

// Activity rules for the idle timer.
const (
	ActivityAny     = "any"
	ActivityTrigger = "trigger"
)

// Defaults applied to settings left out of every profile.
const (
	DefaultPreRoll           = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAudioThresholdDB  = -50.0
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultListen            = "127.0.0.1:8765"
	DefaultQuality           = 3
)

type DefinitionsConfig struct {
	Devices []DeviceDefinition `mapstructure:"devices" yaml:"devices"`
}

type DeviceDefinition struct {
	ID          string   `mapstructure:"id" yaml:"id"`
	Name        string   `mapstructure:"name" yaml:"name,omitempty"`
	Kind        string   `mapstructure:"kind" yaml:"kind"`
	Sources     []string `mapstructure:"sources" yaml:"sources"`
	Roles       []string `mapstructure:"roles" yaml:"roles"`
	Channels    int      `mapstructure:"channels" yaml:"channels,omitempty"`
	SampleRate  int      `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`
	ChunkFrames int      `mapstructure:"chunk_frames" yaml:"chunk_frames,omitempty"`
	Width       int      `mapstructure:"width" yaml:"width,omitempty"`
	Height      int      `mapstructure:"height" yaml:"height,omitempty"`
	FrameRate   float64  `mapstructure:"frame_rate" yaml:"frame_rate,omitempty"`
	Codec       string   `mapstructure:"codec" yaml:"codec,omitempty"`
	PixelFormat string   `mapstructure:"pixel_format" yaml:"pixel_format,omitempty"`
	TriggerCCs  []uint8  `mapstructure:"trigger_ccs" yaml:"trigger_ccs,omitempty"`
	Hotplug     string   `mapstructure:"hotplug" yaml:"hotplug,omitempty"`
}

type DeviceReference struct {
	Ref   string   `mapstructure:"ref" yaml:"ref"`
	Roles []string `mapstructure:"roles,omitempty" yaml:"roles,omitempty"` // Overrides the definition's roles
}

type GlobalsConfig struct {
	SessionsDirectory string `mapstructure:"sessions_directory" yaml:"sessions_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Capture      *CaptureConfig            `mapstructure:"capture,omitempty" yaml:"capture,omitempty"`
	Video        *VideoConfig              `mapstructure:"video,omitempty" yaml:"video,omitempty"`
	Server       *ServerConfig             `mapstructure:"server,omitempty" yaml:"server,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type ConfigProfile struct {
	Devices []DeviceReference `mapstructure:"devices" yaml:"devices"`
	Capture CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Video   VideoConfig       `mapstructure:"video" yaml:"video"`
}

// Config is a resolved profile: device references replaced by their
// definitions and every setting filled in.
type Config struct {
	Profile           string        `mapstructure:"-" yaml:"profile"`
	SessionsDirectory string        `mapstructure:"sessions_directory" yaml:"sessions_directory"`
	Devices           []Device      `mapstructure:"devices" yaml:"devices"`
	Capture           CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Video             VideoConfig   `mapstructure:"video" yaml:"video"`
	Server            ServerConfig  `mapstructure:"server" yaml:"server"`

	// Internal field to track where each setting came from for config show
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// Device is a device definition with profile overrides applied.
type Device struct {
	DeviceDefinition `mapstructure:",squash" yaml:",inline"`
}

type CaptureConfig struct {
	PreRoll                  *time.Duration `mapstructure:"pre_roll" yaml:"pre_roll,omitempty"` // nil: default, 0: no pre-roll
	IdleTimeout              time.Duration  `mapstructure:"idle_timeout" yaml:"idle_timeout,omitempty"`
	Activity                 string         `mapstructure:"activity" yaml:"activity,omitempty"` // "any" or "trigger"
	AudioActivityThresholdDB float64        `mapstructure:"audio_activity_threshold_db" yaml:"audio_activity_threshold_db,omitempty"`
	HeartbeatInterval        time.Duration  `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval,omitempty"`
	TriggerDebounce          time.Duration  `mapstructure:"trigger_debounce" yaml:"trigger_debounce,omitempty"`
}

// PreRollDuration returns the configured pre-roll, or DefaultPreRoll when
// unset.
func (c CaptureConfig) PreRollDuration() time.Duration {
	if c.PreRoll == nil {
		return DefaultPreRoll
	}
	return *c.PreRoll
}

type VideoConfig struct {
	Quality             int           `mapstructure:"quality" yaml:"quality,omitempty"` // 1 (lightest) to 5 (native)
	Codec               string        `mapstructure:"codec" yaml:"codec,omitempty"`     // vp8, vp9, av1
	PassthroughCodecs   []string      `mapstructure:"passthrough_codecs" yaml:"passthrough_codecs,omitempty"`
	EncodeDuringPreroll *bool         `mapstructure:"encode_during_preroll" yaml:"encode_during_preroll,omitempty"`
	Workers             int           `mapstructure:"workers" yaml:"workers,omitempty"`
	QueueFrames         int           `mapstructure:"queue_frames" yaml:"queue_frames,omitempty"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout,omitempty"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// InheritanceInfo records, per setting key, whether the value is
// "profile-specific", "inherited" from the default profile or global
// section, or a built-in "default".
type InheritanceInfo struct {
	Settings map[string]string
}

func (i *InheritanceInfo) mark(key, source string) {
	if i == nil {
		return
	}
	if i.Settings == nil {
		i.Settings = make(map[string]string)
	}
	i.Settings[key] = source
}

// Source returns where key came from.
func (i *InheritanceInfo) Source(key string) string {
	if i == nil || i.Settings[key] == "" {
		return "default"
	}
	return i.Settings[key]
}

var defaultSessionsDirectory = filepath.Join(os.Getenv("HOME"), "Music", "JamWatch")

// LoadWithProfile reads configFile and resolves profile, or the file's
// active_config when profile is empty.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	var base *Config
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base, err = convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
		}
	}
	result := mergeConfigs(base, selectedConfig)
	result.Profile = configName

	// Global sections fill whatever the profiles left out
	applyGlobals(result, rootConfig)
	applyDefaults(result)
	result.SessionsDirectory = expandPath(result.SessionsDirectory)

	if err := validateSettings(result); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return result, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving device references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Capture: profile.Capture,
		Video:   profile.Video,
	}

	for i, ref := range profile.Devices {
		if ref.Ref == "" {
			return nil, fmt.Errorf("device[%d]: 'ref' is required", i)
		}

		definition := findDefinition(definitions, ref.Ref)
		if definition == nil {
			return nil, fmt.Errorf("device[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		dev := Device{DeviceDefinition: *definition}
		dev.Sources = slices.Clone(definition.Sources)
		dev.Roles = slices.Clone(definition.Roles)
		if len(ref.Roles) > 0 {
			dev.Roles = slices.Clone(ref.Roles)
		}
		config.Devices = append(config.Devices, dev)
	}

	return config, nil
}

func findDefinition(definitions *DefinitionsConfig, id string) *DeviceDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Devices {
		if definitions.Devices[i].ID == id {
			return &definitions.Devices[i]
		}
	}
	return nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Devices: only the devices explicitly listed in the profile are bound
// - A profile without a devices section binds the default profile's devices
// - For every other setting, use the profile value or fall back to default
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}

	if base != nil {
		result.Devices = base.Devices
		result.Capture = base.Capture
		result.Video = base.Video
		result.SessionsDirectory = base.SessionsDirectory
		result.Server = base.Server
		for _, key := range settingKeys(base) {
			result.Inheritance.mark(key, "inherited")
		}
	}

	if profile == nil {
		return result
	}

	if profile.Devices != nil {
		result.Devices = profile.Devices
		result.Inheritance.mark("devices", "profile-specific")
	}

	c, pc := &result.Capture, profile.Capture
	if pc.PreRoll != nil {
		c.PreRoll = pc.PreRoll
		result.Inheritance.mark("capture.pre_roll", "profile-specific")
	}
	overrideDuration(&c.IdleTimeout, pc.IdleTimeout, "capture.idle_timeout", result.Inheritance)
	overrideDuration(&c.HeartbeatInterval, pc.HeartbeatInterval, "capture.heartbeat_interval", result.Inheritance)
	overrideDuration(&c.TriggerDebounce, pc.TriggerDebounce, "capture.trigger_debounce", result.Inheritance)
	if pc.Activity != "" {
		c.Activity = pc.Activity
		result.Inheritance.mark("capture.activity", "profile-specific")
	}
	if pc.AudioActivityThresholdDB != 0 {
		c.AudioActivityThresholdDB = pc.AudioActivityThresholdDB
		result.Inheritance.mark("capture.audio_activity_threshold_db", "profile-specific")
	}

	v, pv := &result.Video, profile.Video
	if pv.Quality != 0 {
		v.Quality = pv.Quality
		result.Inheritance.mark("video.quality", "profile-specific")
	}
	if pv.Codec != "" {
		v.Codec = pv.Codec
		result.Inheritance.mark("video.codec", "profile-specific")
	}
	if pv.PassthroughCodecs != nil {
		v.PassthroughCodecs = pv.PassthroughCodecs
		result.Inheritance.mark("video.passthrough_codecs", "profile-specific")
	}
	if pv.EncodeDuringPreroll != nil {
		v.EncodeDuringPreroll = pv.EncodeDuringPreroll
		result.Inheritance.mark("video.encode_during_preroll", "profile-specific")
	}
	if pv.Workers != 0 {
		v.Workers = pv.Workers
		result.Inheritance.mark("video.workers", "profile-specific")
	}
	if pv.QueueFrames != 0 {
		v.QueueFrames = pv.QueueFrames
		result.Inheritance.mark("video.queue_frames", "profile-specific")
	}
	overrideDuration(&v.DrainTimeout, pv.DrainTimeout, "video.drain_timeout", result.Inheritance)

	return result
}

func overrideDuration(dst *time.Duration, value time.Duration, key string, info *InheritanceInfo) {
	if value == 0 {
		return
	}
	*dst = value
	info.mark(key, "profile-specific")
}

// settingKeys lists the keys set in c.
func settingKeys(c *Config) []string {
	var keys []string
	add := func(set bool, key string) {
		if set {
			keys = append(keys, key)
		}
	}
	add(c.Devices != nil, "devices")
	add(c.Capture.PreRoll != nil, "capture.pre_roll")
	add(c.Capture.IdleTimeout != 0, "capture.idle_timeout")
	add(c.Capture.HeartbeatInterval != 0, "capture.heartbeat_interval")
	add(c.Capture.TriggerDebounce != 0, "capture.trigger_debounce")
	add(c.Capture.Activity != "", "capture.activity")
	add(c.Capture.AudioActivityThresholdDB != 0, "capture.audio_activity_threshold_db")
	add(c.Video.Quality != 0, "video.quality")
	add(c.Video.Codec != "", "video.codec")
	add(c.Video.PassthroughCodecs != nil, "video.passthrough_codecs")
	add(c.Video.EncodeDuringPreroll != nil, "video.encode_during_preroll")
	add(c.Video.Workers != 0, "video.workers")
	add(c.Video.QueueFrames != 0, "video.queue_frames")
	add(c.Video.DrainTimeout != 0, "video.drain_timeout")
	return keys
}

// applyGlobals fills unset settings from the root-level sections.
func applyGlobals(c *Config, root *RootConfig) {
	if root.Globals != nil && root.Globals.SessionsDirectory != "" {
		c.SessionsDirectory = root.Globals.SessionsDirectory
		c.Inheritance.mark("sessions_directory", "global")
	}
	if root.Server != nil && root.Server.Listen != "" {
		c.Server.Listen = root.Server.Listen
		c.Inheritance.mark("server.listen", "global")
	}
	if root.Capture != nil {
		merged := mergeConfigs(&Config{Capture: *root.Capture}, &Config{Capture: c.Capture})
		for _, key := range settingKeys(&Config{Capture: *root.Capture}) {
			if c.Inheritance.Source(key) == "default" {
				c.Inheritance.mark(key, "global")
			}
		}
		c.Capture = merged.Capture
	}
	if root.Video != nil {
		merged := mergeConfigs(&Config{Video: *root.Video}, &Config{Video: c.Video})
		for _, key := range settingKeys(&Config{Video: *root.Video}) {
			if c.Inheritance.Source(key) == "default" {
				c.Inheritance.mark(key, "global")
			}
		}
		c.Video = merged.Video
	}
}

func applyDefaults(c *Config) {
	if c.SessionsDirectory == "" {
		c.SessionsDirectory = defaultSessionsDirectory
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Capture.PreRoll == nil {
		preRoll := DefaultPreRoll
		c.Capture.PreRoll = &preRoll
	}
	if c.Capture.IdleTimeout == 0 {
		c.Capture.IdleTimeout = DefaultIdleTimeout
	}
	if c.Capture.Activity == "" {
		c.Capture.Activity = ActivityAny
	}
	if c.Capture.AudioActivityThresholdDB == 0 {
		c.Capture.AudioActivityThresholdDB = DefaultAudioThresholdDB
	}
	if c.Capture.HeartbeatInterval == 0 {
		c.Capture.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Video.Quality == 0 {
		c.Video.Quality = DefaultQuality
	}
	if c.Video.Codec == "" {
		c.Video.Codec = string(encoding.CodecVP8)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// isValidAudioSource checks if a source name is valid for JACK/PipeWire
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)

	// Empty or disabled sources are handled elsewhere
	if source == "" || source == "disabled" {
		return true
	}

	if strings.Contains(source, ":") {
		// Device names may contain colons; the port is after the last one
		lastColonIndex := strings.LastIndex(source, ":")
		deviceName := strings.TrimSpace(source[:lastColonIndex])
		channelOrPort := strings.TrimSpace(source[lastColonIndex+1:])
		return len(deviceName) > 0 && len(channelOrPort) > 0
	}

	// Device name without colon (not recommended for JACK/PipeWire)
	return len(source) > 0
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	// A private instance so the watcher can reload while commands run
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("JAMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateDeviceReferences(configProfile.Devices, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Devices) == 0 {
		return fmt.Errorf("definitions.devices cannot be empty")
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Devices {
		if def.ID == "" {
			return fmt.Errorf("definitions.devices[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.devices[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateDeviceDefinition(def, fmt.Sprintf("definitions.devices[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

// validateDeviceDefinition validates a single device definition
func validateDeviceDefinition(def DeviceDefinition, prefix string) error {
	switch device.Kind(def.Kind) {
	case device.KindAudio, device.KindMIDI, device.KindVideo:
	case "":
		return fmt.Errorf("%s: 'kind' is required", prefix)
	default:
		return fmt.Errorf("%s: 'kind' must be 'audio', 'midi' or 'video', got: %s", prefix, def.Kind)
	}

	if len(def.Sources) == 0 {
		return fmt.Errorf("%s: 'sources' is required and cannot be empty", prefix)
	}

	if len(def.Roles) == 0 {
		return fmt.Errorf("%s: 'roles' is required and cannot be empty", prefix)
	}

	if def.Kind == string(device.KindAudio) {
		if len(def.Sources) > 2 {
			return fmt.Errorf("%s: audio devices take at most 2 sources (stereo), got %d", prefix, len(def.Sources))
		}
		for j, source := range def.Sources {
			if !isValidAudioSource(source) {
				return fmt.Errorf("%s: source[%d] must be a valid audio source (JACK port), got: %s", prefix, j, source)
			}
		}
		if def.SampleRate < 0 {
			return fmt.Errorf("%s: 'sample_rate' must be > 0, got: %d", prefix, def.SampleRate)
		}
	}

	if def.Kind == string(device.KindVideo) && (def.Width < 0 || def.Height < 0 || def.FrameRate < 0) {
		return fmt.Errorf("%s: video dimensions and frame rate must be positive", prefix)
	}

	if err := def.binding(def.Roles).Validate(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}

	return nil
}

// validateDeviceReferences validates device references in a config profile
func validateDeviceReferences(devices []DeviceReference, definitions *DefinitionsConfig) error {
	seen := make(map[string]bool)
	for i, ref := range devices {
		prefix := fmt.Sprintf("devices[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}
		if seen[ref.Ref] {
			return fmt.Errorf("%s: device '%s' listed twice", prefix, ref.Ref)
		}
		seen[ref.Ref] = true

		def := findDefinition(definitions, ref.Ref)
		if def == nil {
			return fmt.Errorf("%s: references undefined device definition '%s'", prefix, ref.Ref)
		}

		if len(ref.Roles) > 0 {
			if err := def.binding(ref.Roles).Validate(); err != nil {
				return fmt.Errorf("%s: roles override: %w", prefix, err)
			}
		}
	}

	return nil
}

// validateSettings checks a resolved configuration.
func validateSettings(c *Config) error {
	if c.Capture.PreRoll != nil && *c.Capture.PreRoll < 0 {
		return fmt.Errorf("capture.pre_roll must be >= 0, got: %s", *c.Capture.PreRoll)
	}
	if c.Capture.IdleTimeout <= 0 {
		return fmt.Errorf("capture.idle_timeout must be > 0, got: %s", c.Capture.IdleTimeout)
	}
	if c.Capture.Activity != ActivityAny && c.Capture.Activity != ActivityTrigger {
		return fmt.Errorf("capture.activity must be '%s' or '%s', got: %s", ActivityAny, ActivityTrigger, c.Capture.Activity)
	}
	if c.Capture.AudioActivityThresholdDB >= 0 {
		return fmt.Errorf("capture.audio_activity_threshold_db must be < 0, got: %.1f", c.Capture.AudioActivityThresholdDB)
	}
	if c.Capture.HeartbeatInterval <= 0 {
		return fmt.Errorf("capture.heartbeat_interval must be > 0, got: %s", c.Capture.HeartbeatInterval)
	}
	if c.Video.Quality < 1 || c.Video.Quality > len(encoding.Tiers) {
		return fmt.Errorf("video.quality must be between 1 and %d, got: %d", len(encoding.Tiers), c.Video.Quality)
	}
	if !encoding.Codec(c.Video.Codec).Valid() {
		return fmt.Errorf("video.codec must be vp8, vp9 or av1, got: %s", c.Video.Codec)
	}
	for i, d := range c.Devices {
		if err := d.Binding().Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return nil
}

func (def DeviceDefinition) binding(roles []string) device.Binding {
	b := device.Binding{
		ID:      def.ID,
		Name:    def.Name,
		Kind:    device.Kind(def.Kind),
		Sources: def.Sources,
		Caps: device.Capabilities{
			Channels:    def.Channels,
			SampleRate:  def.SampleRate,
			ChunkFrames: def.ChunkFrames,
			Width:       def.Width,
			Height:      def.Height,
			FrameRate:   def.FrameRate,
			Codec:       def.Codec,
			PixelFormat: def.PixelFormat,
		},
		TriggerCCs: def.TriggerCCs,
		Hotplug:    def.Hotplug,
	}
	for _, r := range roles {
		b.Roles = append(b.Roles, device.Role(r))
	}
	if b.Kind == device.KindAudio && b.Caps.SampleRate == 0 {
		b.Caps.SampleRate = 48000
	}
	return b
}

// Binding converts the device into a capture binding.
func (d Device) Binding() device.Binding {
	return d.binding(d.Roles)
}
