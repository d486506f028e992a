package session

import (
	"encoding/binary"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"
)

// Streamed MIDI files are format 0 with a single track at a fixed tempo so
// ticks map linearly to wall-clock time.
const (
	MIDITicksPerQuarter = 960
	MIDITempoBPM        = 120

	// MIDITrackLengthOffset is where the MTrk length field starts.
	MIDITrackLengthOffset = 18
	// MIDITrackDataOffset is where the first track event starts.
	MIDITrackDataOffset = 22
)

// MIDIResolution is the tick resolution of streamed files.
var MIDIResolution = smf.MetricTicks(MIDITicksPerQuarter)

// EndOfTrack is the meta event closing a track.
var EndOfTrack = []byte{0xFF, 0x2F, 0x00}

// tempoEvent sets 500000 µs per quarter (120 BPM) at tick 0.
var tempoEvent = []byte{0x00, 0xFF, 0x51, 0x03, 0x07, 0xA1, 0x20}

// MIDIHeader returns the file prologue with a zero track length.
func MIDIHeader() []byte {
	h := make([]byte, 0, MIDITrackDataOffset)
	h = append(h, 'M', 'T', 'h', 'd', 0, 0, 0, 6)
	h = binary.BigEndian.AppendUint16(h, 0) // format 0
	h = binary.BigEndian.AppendUint16(h, 1) // one track
	h = binary.BigEndian.AppendUint16(h, MIDITicksPerQuarter)
	h = append(h, 'M', 'T', 'r', 'k', 0, 0, 0, 0)
	return h
}

// TicksAt converts an offset from the track start into ticks.
func TicksAt(offset time.Duration) uint32 {
	if offset <= 0 {
		return 0
	}
	return MIDIResolution.Ticks(MIDITempoBPM, offset)
}

// TicksDuration converts absolute ticks into wall-clock time.
func TicksDuration(ticks uint32) time.Duration {
	return MIDIResolution.Duration(MIDITempoBPM, ticks)
}

// AppendVarLen appends v as a MIDI variable-length quantity.
func AppendVarLen(dst []byte, v uint32) []byte {
	var tmp [5]byte
	i := len(tmp) - 1
	tmp[i] = byte(v & 0x7F)
	for v >>= 7; v > 0; v >>= 7 {
		i--
		tmp[i] = byte(v&0x7F) | 0x80
	}
	return append(dst, tmp[i:]...)
}

// ReadVarLen decodes a variable-length quantity. ok is false when data
// ends inside the value or the value is longer than four bytes.
func ReadVarLen(data []byte) (v uint32, n int, ok bool) {
	for n < len(data) && n < 4 {
		b := data[n]
		v = v<<7 | uint32(b&0x7F)
		n++
		if b&0x80 == 0 {
			return v, n, true
		}
	}
	return 0, n, false
}

// EncodeEvent converts a raw MIDI message into its file representation.
// Messages that cannot appear in a file (realtime, system common) yield nil.
func EncodeEvent(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	switch status := raw[0]; {
	case status == 0xF0:
		out := []byte{0xF0}
		out = AppendVarLen(out, uint32(len(raw)-1))
		return append(out, raw[1:]...)
	case status >= 0xF0, status < 0x80:
		return nil
	default:
		if len(raw) < channelDataLen(status)+1 {
			return nil
		}
		return raw[:channelDataLen(status)+1]
	}
}

func channelDataLen(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1
	default:
		return 2
	}
}

// TrackScan is the result of walking a track body.
type TrackScan struct {
	// End is the offset just past the last complete event other than
	// End-of-Track.
	End int
	// EOTEnd is the offset just past End-of-Track, or -1 when missing.
	EOTEnd int
	// Ticks is the absolute time of the last complete event.
	Ticks  uint32
	Events int
}

// ScanTrack walks events in body until End-of-Track or the first
// incomplete event.
func ScanTrack(body []byte) TrackScan {
	scan := TrackScan{EOTEnd: -1}
	var running byte
	pos := 0
	ticks := uint32(0)
	for pos < len(body) {
		delta, n, ok := ReadVarLen(body[pos:])
		if !ok {
			return scan
		}
		p := pos + n
		if p >= len(body) {
			return scan
		}

		status := body[p]
		switch {
		case status == 0xFF:
			if p+2 > len(body) {
				return scan
			}
			metaType := body[p+1]
			length, ln, ok := ReadVarLen(body[p+2:])
			if !ok {
				return scan
			}
			end := p + 2 + ln + int(length)
			if end > len(body) {
				return scan
			}
			ticks += delta
			if metaType == 0x2F {
				scan.EOTEnd = end
				scan.Ticks = ticks
				return scan
			}
			p = end
		case status == 0xF0 || status == 0xF7:
			length, ln, ok := ReadVarLen(body[p+1:])
			if !ok {
				return scan
			}
			end := p + 1 + ln + int(length)
			if end > len(body) {
				return scan
			}
			ticks += delta
			p = end
		case status&0x80 != 0:
			end := p + 1 + channelDataLen(status)
			if end > len(body) {
				return scan
			}
			running = status
			ticks += delta
			p = end
		default:
			// Running status: data byte reuses the previous status.
			if running == 0 {
				return scan
			}
			end := p + channelDataLen(running)
			if end > len(body) {
				return scan
			}
			ticks += delta
			p = end
		}
		pos = p
		scan.End = pos
		scan.Ticks = ticks
		scan.Events++
	}
	return scan
}
