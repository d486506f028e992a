package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/ffmpeg"
)

const maxJPEGFrame = 8 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// videoSource reads frames from a V4L2 device through ffmpeg. MJPEG
// devices are copied frame-by-frame; raw devices yield fixed-size frames.
type videoSource struct {
	binding Binding
	proc    *ffmpeg.Process
	scanner *bufio.Scanner
	raw     bool
	size    int
}

// OpenVideo starts capture for a video binding.
func OpenVideo(ctx context.Context, b Binding) (Source, error) {
	codec := b.Caps.Codec
	if codec == "" {
		codec = "mjpeg"
	}
	raw := codec == "rawvideo"

	args := []string{"-hide_banner", "-nostdin", "-f", "v4l2"}
	if raw {
		pix := b.Caps.PixelFormat
		if pix == "" {
			pix = "yuyv422"
		}
		args = append(args, "-input_format", pix)
	} else {
		args = append(args, "-input_format", codec)
	}
	if b.Caps.FrameRate > 0 {
		args = append(args, "-framerate", fmt.Sprintf("%g", b.Caps.FrameRate))
	}
	if b.Caps.Width > 0 && b.Caps.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", b.Caps.Width, b.Caps.Height))
	}
	args = append(args, "-i", b.Source(), "-c:v", "copy")
	if raw {
		args = append(args, "-f", "rawvideo", "pipe:1")
	} else {
		args = append(args, "-f", "mjpeg", "pipe:1")
	}

	proc, err := ffmpeg.Start(ctx, args, ffmpeg.Options{Stdout: true, Label: b.ID})
	if err != nil {
		return nil, err
	}

	s := &videoSource{binding: b, proc: proc, raw: raw}
	if raw {
		s.size = RawFrameSize(b.Caps)
		if s.size <= 0 {
			proc.Kill()
			return nil, fmt.Errorf("video %s: rawvideo requires width and height", b.ID)
		}
	} else {
		s.scanner = bufio.NewScanner(proc.Stdout())
		s.scanner.Buffer(make([]byte, 0, 256<<10), maxJPEGFrame)
		s.scanner.Split(SplitJPEG)
	}
	return s, nil
}

func (s *videoSource) Read(ctx context.Context) (Packet, error) {
	if err := ctx.Err(); err != nil {
		return Packet{}, err
	}
	if s.raw {
		buf := make([]byte, s.size)
		if _, err := io.ReadFull(s.proc.Stdout(), buf); err != nil {
			return Packet{}, fmt.Errorf("read video %s: %w", s.binding.ID, err)
		}
		return Packet{Time: time.Now(), Data: buf}, nil
	}
	if !s.scanner.Scan() {
		err := s.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		return Packet{}, fmt.Errorf("read video %s: %w", s.binding.ID, err)
	}
	frame := append([]byte(nil), s.scanner.Bytes()...)
	return Packet{Time: time.Now(), Data: frame}, nil
}

func (s *videoSource) Close() error {
	return s.proc.Stop(5 * time.Second)
}

// RawFrameSize returns the byte size of one packed 4:2:2 frame.
func RawFrameSize(c Capabilities) int {
	return c.Width * c.Height * 2
}

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images from an
// MJPEG byte stream.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin the next marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			// Trailing partial frame from a stopped stream.
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}
