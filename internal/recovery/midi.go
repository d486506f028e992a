package recovery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/audiolibrelab/jamwatch/internal/session"
)

// BackupSuffix is appended to a file whose trailer repair rewrote. The
// backup keeps the original bytes.
const BackupSuffix = ".orig"

var errNotMIDI = errors.New("not a streamed MIDI file")

// midiPlan describes the file repair would write.
type midiPlan struct {
	fixed    []byte
	changed  bool
	duration time.Duration
	events   int
}

// planMIDI works out the repaired form of data. A file whose track ends
// with End-of-Track and whose declared length matches is left alone.
func planMIDI(data []byte) (midiPlan, error) {
	if len(data) < session.MIDITrackDataOffset ||
		!bytes.Equal(data[:4], []byte("MThd")) ||
		!bytes.Equal(data[14:18], []byte("MTrk")) {
		return midiPlan{}, errNotMIDI
	}
	body := data[session.MIDITrackDataOffset:]
	declared := binary.BigEndian.Uint32(data[session.MIDITrackLengthOffset:])
	scan := session.ScanTrack(body)

	plan := midiPlan{duration: session.TicksDuration(scan.Ticks), events: scan.Events}
	if scan.EOTEnd >= 0 && int(declared) == scan.EOTEnd && len(body) == scan.EOTEnd {
		plan.fixed = data
		return plan, nil
	}

	// Keep every complete event, then close the track at the last one.
	end := scan.End
	if scan.EOTEnd >= 0 {
		end = scan.EOTEnd
	}
	fixed := make([]byte, 0, session.MIDITrackDataOffset+end+4)
	fixed = append(fixed, data[:session.MIDITrackDataOffset+end]...)
	if scan.EOTEnd < 0 {
		fixed = append(fixed, 0x00)
		fixed = append(fixed, session.EndOfTrack...)
	}
	binary.BigEndian.PutUint32(fixed[session.MIDITrackLengthOffset:], uint32(len(fixed)-session.MIDITrackDataOffset))

	plan.fixed = fixed
	plan.changed = true
	return plan, nil
}

// checkMIDI reports whether the file at path needs repair.
func checkMIDI(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	plan, err := planMIDI(data)
	if err != nil {
		return false, err
	}
	return plan.changed, nil
}

// repairMIDI closes a truncated track with End-of-Track after its last
// complete event and patches the track length. The original is kept as a
// backup, and the result must parse as a Standard MIDI File.
func repairMIDI(path string) (midiPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return midiPlan{}, err
	}
	plan, err := planMIDI(data)
	if err != nil || !plan.changed {
		return plan, err
	}

	if _, err := smf.ReadFrom(bytes.NewReader(plan.fixed)); err != nil {
		return plan, fmt.Errorf("repaired MIDI does not parse: %w", err)
	}

	backup := path + BackupSuffix
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		if err := os.WriteFile(backup, data, 0644); err != nil {
			return plan, fmt.Errorf("failed to back up %s: %w", path, err)
		}
	}
	if err := writeFileAtomic(path, plan.fixed); err != nil {
		return plan, err
	}
	return plan, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
