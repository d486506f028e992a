// Package device describes capture devices bound for a session and the
// narrow contracts used to read from audio, MIDI and video hardware.
package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Kind is the hardware family of a device.
type Kind string

const (
	KindAudio Kind = "audio"
	KindMIDI  Kind = "midi"
	KindVideo Kind = "video"
)

// Role is what a bound device contributes to capture.
type Role string

const (
	RoleTrigger     Role = "trigger"
	RoleRecordAudio Role = "record-audio"
	RoleRecordMIDI  Role = "record-midi"
	RoleRecordVideo Role = "record-video"
)

// DefaultMIDIRate is the event rate used to size MIDI pre-roll buffers.
const DefaultMIDIRate = 1000

var (
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("device: source closed")
	// ErrUnsupported is returned by a driver for a kind it cannot open.
	ErrUnsupported = errors.New("device: unsupported kind")
)

// Capabilities describes the stream format a device produces.
type Capabilities struct {
	Channels    int     `json:"channels,omitempty" yaml:"channels,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	ChunkFrames int     `json:"chunk_frames,omitempty" yaml:"chunk_frames,omitempty"`
	Width       int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height      int     `json:"height,omitempty" yaml:"height,omitempty"`
	FrameRate   float64 `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`
	Codec       string  `json:"codec,omitempty" yaml:"codec,omitempty"`
	PixelFormat string  `json:"pixel_format,omitempty" yaml:"pixel_format,omitempty"`
}

// Binding ties a configured device to its roles for the lifetime of a
// session. Bindings are values and are never mutated once bound.
type Binding struct {
	ID         string       `json:"id" yaml:"id"`
	Name       string       `json:"name" yaml:"name"`
	Kind       Kind         `json:"kind" yaml:"kind"`
	Sources    []string     `json:"sources" yaml:"sources"`
	Roles      []Role       `json:"roles" yaml:"roles"`
	Caps       Capabilities `json:"caps" yaml:"caps"`
	TriggerCCs []uint8      `json:"trigger_ccs,omitempty" yaml:"trigger_ccs,omitempty"`
	Hotplug    string       `json:"hotplug,omitempty" yaml:"hotplug,omitempty"`
}

// Has reports whether the binding carries role r.
func (b Binding) Has(r Role) bool {
	return slices.Contains(b.Roles, r)
}

// IsTrigger reports whether activity on the device can start a recording.
func (b Binding) IsTrigger() bool {
	return b.Has(RoleTrigger)
}

// Records reports whether the device contributes a persisted stream.
func (b Binding) Records() bool {
	return b.Has(RoleRecordAudio) || b.Has(RoleRecordMIDI) || b.Has(RoleRecordVideo)
}

// Source returns the primary hardware address of the device.
func (b Binding) Source() string {
	if len(b.Sources) == 0 {
		return ""
	}
	return b.Sources[0]
}

// Channels returns the interleaved channel count of an audio binding. Each
// source port feeds one channel, up to stereo.
func (b Binding) Channels() int {
	if b.Caps.Channels > 0 {
		return b.Caps.Channels
	}
	n := len(b.Sources)
	if n < 1 {
		return 1
	}
	if n > 2 {
		return 2
	}
	return n
}

// ChunkFrames returns the number of audio frames per packet.
func (b Binding) ChunkFrames() int {
	if b.Caps.ChunkFrames > 0 {
		return b.Caps.ChunkFrames
	}
	if b.Caps.SampleRate > 0 {
		return b.Caps.SampleRate / 50
	}
	return 960
}

// ChunkDuration returns the wall-clock length of one audio packet.
func (b Binding) ChunkDuration() time.Duration {
	if b.Caps.SampleRate <= 0 {
		return 20 * time.Millisecond
	}
	return time.Duration(b.ChunkFrames()) * time.Second / time.Duration(b.Caps.SampleRate)
}

// Rate returns the expected packets per second, used to size buffers.
func (b Binding) Rate() float64 {
	switch b.Kind {
	case KindAudio:
		if b.Caps.SampleRate <= 0 {
			return 50
		}
		return float64(b.Caps.SampleRate) / float64(b.ChunkFrames())
	case KindVideo:
		if b.Caps.FrameRate <= 0 {
			return 30
		}
		return b.Caps.FrameRate
	default:
		return DefaultMIDIRate
	}
}

// Equal reports whether two bindings describe the same device wiring.
func (b Binding) Equal(o Binding) bool {
	return b.ID == o.ID &&
		b.Name == o.Name &&
		b.Kind == o.Kind &&
		b.Caps == o.Caps &&
		b.Hotplug == o.Hotplug &&
		slices.Equal(b.Sources, o.Sources) &&
		slices.Equal(b.Roles, o.Roles) &&
		slices.Equal(b.TriggerCCs, o.TriggerCCs)
}

// Validate checks that the binding can be opened.
func (b Binding) Validate() error {
	if b.ID == "" {
		return errors.New("device binding requires an id")
	}
	if len(b.Roles) == 0 {
		return fmt.Errorf("device %q has no roles", b.ID)
	}
	if b.Source() == "" {
		return fmt.Errorf("device %q has no source", b.ID)
	}
	for _, r := range b.Roles {
		switch r {
		case RoleTrigger, RoleRecordMIDI:
			if b.Kind != KindMIDI {
				return fmt.Errorf("device %q: role %s requires a midi device, got %s", b.ID, r, b.Kind)
			}
		case RoleRecordAudio:
			if b.Kind != KindAudio {
				return fmt.Errorf("device %q: role %s requires an audio device, got %s", b.ID, r, b.Kind)
			}
		case RoleRecordVideo:
			if b.Kind != KindVideo {
				return fmt.Errorf("device %q: role %s requires a video device, got %s", b.ID, r, b.Kind)
			}
		default:
			return fmt.Errorf("device %q: unknown role %q", b.ID, r)
		}
	}
	return nil
}

// Packet is one timestamped unit read from a device: a PCM chunk, a raw
// MIDI message or a video frame.
type Packet struct {
	Time time.Time
	Data []byte
}

// Source is an open hardware stream. Read blocks until a packet is
// available, the context is cancelled or the device fails.
type Source interface {
	Read(ctx context.Context) (Packet, error)
	Close() error
}

// Driver opens sources for bindings.
type Driver interface {
	Open(ctx context.Context, b Binding) (Source, error)
}
