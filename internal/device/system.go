package device

import (
	"context"
	"fmt"
)

// SystemDriver opens real hardware: MIDI ports through the registered
// gomidi driver, audio through PipeWire/JACK and video through V4L2.
type SystemDriver struct {
	PipeWire *PipeWire
}

// NewSystemDriver returns a driver backed by the host's devices.
func NewSystemDriver() *SystemDriver {
	return &SystemDriver{PipeWire: NewPipeWire()}
}

// Open implements Driver.
func (d *SystemDriver) Open(ctx context.Context, b Binding) (Source, error) {
	switch b.Kind {
	case KindMIDI:
		return OpenMIDI(b.Source())
	case KindAudio:
		return OpenPCM(ctx, b, d.PipeWire)
	case KindVideo:
		return OpenVideo(ctx, b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, b.Kind)
	}
}
