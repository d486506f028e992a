package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

const midiQueueSize = 1024

// IsNoteOn reports whether raw is a note-on with non-zero velocity.
func IsNoteOn(raw []byte) bool {
	var ch, key, vel uint8
	return midi.Message(raw).GetNoteStart(&ch, &key, &vel)
}

// ControlChange returns the controller number and value of a CC message.
func ControlChange(raw []byte) (controller, value uint8, ok bool) {
	var ch uint8
	ok = midi.Message(raw).GetControlChange(&ch, &controller, &value)
	return controller, value, ok
}

// IsChannelMessage reports whether raw carries performance data
// (note, controller, program, pressure or pitch bend).
func IsChannelMessage(raw []byte) bool {
	return len(raw) > 0 && raw[0] >= 0x80 && raw[0] < 0xF0
}

// IsRealtime reports whether raw is a system realtime message such as
// timing clock or active sensing.
func IsRealtime(raw []byte) bool {
	return len(raw) == 1 && raw[0] >= 0xF8
}

// midiSource adapts a gomidi input port to Source.
type midiSource struct {
	name    string
	in      drivers.In
	stop    func()
	packets chan Packet
	errs    chan error
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// OpenMIDI opens the input port whose name contains name and starts
// listening. Messages are timestamped on arrival.
func OpenMIDI(name string) (Source, error) {
	in, err := findMIDIIn(name)
	if err != nil {
		return nil, err
	}
	if err := in.Open(); err != nil {
		return nil, fmt.Errorf("open midi port %q: %w", name, err)
	}

	s := &midiSource{
		name:    name,
		in:      in,
		packets: make(chan Packet, midiQueueSize),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	stop, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
		p := Packet{Time: time.Now(), Data: append([]byte(nil), msg...)}
		select {
		case s.packets <- p:
		default:
			if s.dropped.Add(1)%100 == 1 {
				slog.Warn("midi input queue full, dropping events", "device", name, "dropped", s.dropped.Load())
			}
		}
	}, midi.HandleError(func(listenErr error) {
		select {
		case s.errs <- listenErr:
		default:
		}
	}))
	if err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("listen on midi port %q: %w", name, err)
	}
	s.stop = stop
	slog.Debug("MIDI input opened", "device", name, "port", in.String())
	return s, nil
}

func (s *midiSource) Read(ctx context.Context) (Packet, error) {
	select {
	case p := <-s.packets:
		return p, nil
	case err := <-s.errs:
		return Packet{}, fmt.Errorf("midi port %q: %w", s.name, err)
	case <-s.done:
		return Packet{}, ErrClosed
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

func (s *midiSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
		err = s.in.Close()
	})
	return err
}

func findMIDIIn(name string) (drivers.In, error) {
	if in, err := midi.FindInPort(name); err == nil {
		return in, nil
	}
	for _, in := range midi.GetInPorts() {
		if strings.Contains(strings.ToLower(in.String()), strings.ToLower(name)) {
			return in, nil
		}
	}
	return nil, fmt.Errorf("midi input %q not found", name)
}

// ListMIDIInputs returns the names of all MIDI input ports known to the
// registered driver.
func ListMIDIInputs() []string {
	var names []string
	for _, in := range midi.GetInPorts() {
		names = append(names, in.String())
	}
	return names
}
