package config

import (
	"slices"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/encoding"
)

// Snapshot is the immutable runtime view of a resolved profile handed to
// the recording engine. A new Snapshot replaces the old one as a whole.
type Snapshot struct {
	Profile             string
	SessionsDir         string
	Devices             []device.Binding
	PreRoll             time.Duration
	IdleTimeout         time.Duration
	Activity            string
	AudioThresholdDB    float64
	HeartbeatInterval   time.Duration
	TriggerDebounce     time.Duration
	EncodeDuringPreroll bool
	Video               encoding.Config
	Listen              string
}

// Snapshot converts the resolved config into engine settings.
func (c *Config) Snapshot() Snapshot {
	s := Snapshot{
		Profile:           c.Profile,
		SessionsDir:       c.SessionsDirectory,
		PreRoll:           c.Capture.PreRollDuration(),
		IdleTimeout:       c.Capture.IdleTimeout,
		Activity:          c.Capture.Activity,
		AudioThresholdDB:  c.Capture.AudioActivityThresholdDB,
		HeartbeatInterval: c.Capture.HeartbeatInterval,
		TriggerDebounce:   c.Capture.TriggerDebounce,
		Video: encoding.Config{
			Codec:        encoding.Codec(c.Video.Codec),
			Quality:      c.Video.Quality,
			Passthrough:  slices.Clone(c.Video.PassthroughCodecs),
			Workers:      c.Video.Workers,
			QueueFrames:  c.Video.QueueFrames,
			DrainTimeout: c.Video.DrainTimeout,
		},
		Listen: c.Server.Listen,
	}
	if c.Video.EncodeDuringPreroll != nil {
		s.EncodeDuringPreroll = *c.Video.EncodeDuringPreroll
	}
	for _, d := range c.Devices {
		s.Devices = append(s.Devices, d.Binding())
	}
	return s
}

// TopologyChanged reports whether moving to next requires rebinding
// devices or rebuilding buffers. Other differences apply in place.
func (s Snapshot) TopologyChanged(next Snapshot) bool {
	if s.PreRoll != next.PreRoll ||
		s.EncodeDuringPreroll != next.EncodeDuringPreroll ||
		s.SessionsDir != next.SessionsDir ||
		s.VideoChanged(next) {
		return true
	}
	return !slices.EqualFunc(s.Devices, next.Devices, device.Binding.Equal)
}

// VideoChanged reports whether the encoding settings differ.
func (s Snapshot) VideoChanged(next Snapshot) bool {
	a, b := s.Video, next.Video
	return a.Codec != b.Codec ||
		a.Quality != b.Quality ||
		a.Workers != b.Workers ||
		a.QueueFrames != b.QueueFrames ||
		a.DrainTimeout != b.DrainTimeout ||
		!slices.Equal(a.Passthrough, b.Passthrough)
}
