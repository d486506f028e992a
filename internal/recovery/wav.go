package recovery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
)

var errNotWAV = errors.New("not a WAV file")

// wavLayout locates the sizes a WAV writer patches on close.
type wavLayout struct {
	riffSize   uint32
	dataOffset int64  // start of sample data
	dataSize   uint32 // as declared
	blockAlign uint16
	sampleRate uint32
	fileSize   int64
}

// wantDataSize is the data chunk size implied by the file length, whole
// frames only.
func (l wavLayout) wantDataSize() uint32 {
	avail := l.fileSize - l.dataOffset
	if avail < 0 {
		return 0
	}
	if l.blockAlign > 0 {
		avail -= avail % int64(l.blockAlign)
	}
	return uint32(avail)
}

func (l wavLayout) wantRIFFSize() uint32 {
	return uint32(l.dataOffset-8) + l.wantDataSize()
}

func (l wavLayout) duration() time.Duration {
	if l.blockAlign == 0 || l.sampleRate == 0 {
		return 0
	}
	frames := int64(l.wantDataSize()) / int64(l.blockAlign)
	return time.Duration(frames) * time.Second / time.Duration(l.sampleRate)
}

func (l wavLayout) needsRepair() bool {
	return l.dataSize != l.wantDataSize() || l.riffSize != l.wantRIFFSize()
}

// readWAVLayout walks the RIFF chunks up to the data chunk. The data
// chunk size is not trusted, since a crashed writer never patched it.
func readWAVLayout(f *os.File) (wavLayout, error) {
	info, err := f.Stat()
	if err != nil {
		return wavLayout{}, err
	}
	layout := wavLayout{fileSize: info.Size()}

	var header [12]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return layout, errNotWAV
	}
	if !bytes.Equal(header[:4], []byte("RIFF")) || !bytes.Equal(header[8:12], []byte("WAVE")) {
		return layout, errNotWAV
	}
	layout.riffSize = binary.LittleEndian.Uint32(header[4:8])

	pos := int64(12)
	for {
		var chunk [8]byte
		if _, err := f.ReadAt(chunk[:], pos); err != nil {
			if errors.Is(err, io.EOF) {
				return layout, fmt.Errorf("%w: no data chunk", errNotWAV)
			}
			return layout, err
		}
		size := binary.LittleEndian.Uint32(chunk[4:8])
		switch string(chunk[:4]) {
		case "fmt ":
			var fmtChunk [16]byte
			if _, err := f.ReadAt(fmtChunk[:], pos+8); err != nil {
				return layout, fmt.Errorf("%w: short fmt chunk", errNotWAV)
			}
			layout.sampleRate = binary.LittleEndian.Uint32(fmtChunk[4:8])
			layout.blockAlign = binary.LittleEndian.Uint16(fmtChunk[12:14])
		case "data":
			layout.dataOffset = pos + 8
			layout.dataSize = size
			return layout, nil
		}
		pos += 8 + int64(size) + int64(size%2)
	}
}

func checkWAV(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	layout, err := readWAVLayout(f)
	if err != nil {
		return false, err
	}
	return layout.needsRepair(), nil
}

// repairWAV rewrites the RIFF and data sizes from the file length. Sample
// bytes are never touched. It returns whether the header changed and the
// audio duration.
func repairWAV(path string) (bool, time.Duration, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, 0, err
	}
	defer f.Close()

	layout, err := readWAVLayout(f)
	if err != nil {
		return false, 0, err
	}
	changed := layout.needsRepair()
	if changed {
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], layout.wantRIFFSize())
		if _, err := f.WriteAt(size[:], 4); err != nil {
			return false, 0, fmt.Errorf("failed to patch RIFF size: %w", err)
		}
		binary.LittleEndian.PutUint32(size[:], layout.wantDataSize())
		if _, err := f.WriteAt(size[:], layout.dataOffset-4); err != nil {
			return false, 0, fmt.Errorf("failed to patch data size: %w", err)
		}
		if err := f.Sync(); err != nil {
			return false, 0, fmt.Errorf("failed to sync %s: %w", path, err)
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return changed, 0, err
	}
	if !wav.NewDecoder(f).IsValidFile() {
		return changed, 0, fmt.Errorf("repaired WAV %s does not validate", path)
	}
	return changed, layout.duration(), nil
}
