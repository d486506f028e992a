package encoding

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/ffmpeg"
)

// Codec is a target codec for re-encoded video.
type Codec string

const (
	CodecVP8 Codec = "vp8"
	CodecVP9 Codec = "vp9"
	CodecAV1 Codec = "av1"
)

// Valid reports whether c is a supported target codec.
func (c Codec) Valid() bool {
	return c == CodecVP8 || c == CodecVP9 || c == CodecAV1
}

func (c Codec) library() string {
	switch c {
	case CodecVP9:
		return "libvpx-vp9"
	case CodecAV1:
		return "libaom-av1"
	default:
		return "libvpx"
	}
}

// Tier is one quality step. Lower tiers trade resolution and bitrate for
// CPU headroom.
type Tier struct {
	Level     int
	MaxHeight int // 0 keeps the source height
	Bitrate   int // kbit/s
	CPUUsed   int
}

// Tiers lists the quality steps from cheapest to best.
var Tiers = [5]Tier{
	{Level: 1, MaxHeight: 360, Bitrate: 500, CPUUsed: 8},
	{Level: 2, MaxHeight: 480, Bitrate: 1000, CPUUsed: 6},
	{Level: 3, MaxHeight: 720, Bitrate: 2000, CPUUsed: 5},
	{Level: 4, MaxHeight: 1080, Bitrate: 4000, CPUUsed: 4},
	{Level: 5, MaxHeight: 0, Bitrate: 8000, CPUUsed: 2},
}

// TierFor returns the tier for a quality level, clamped to 1..5.
func TierFor(quality int) Tier {
	if quality < 1 {
		quality = 1
	}
	if quality > len(Tiers) {
		quality = len(Tiers)
	}
	return Tiers[quality-1]
}

// Plan describes how a device's frames are turned into a file.
type Plan struct {
	SourceCodec string
	Passthrough bool
	Codec       Codec
	Tier        Tier
	Ext         string
}

// PlanFor picks passthrough or re-encoding for a source.
func (c Config) PlanFor(caps device.Capabilities) Plan {
	source := strings.ToLower(caps.Codec)
	if source == "" {
		source = "mjpeg"
	}
	if slices.Contains(c.Passthrough, source) {
		return Plan{SourceCodec: source, Passthrough: true, Ext: passthroughExt(source)}
	}
	codec := c.Codec
	if !codec.Valid() {
		codec = CodecVP8
	}
	return Plan{SourceCodec: source, Codec: codec, Tier: TierFor(c.Quality), Ext: "webm"}
}

func passthroughExt(codec string) string {
	switch codec {
	case "mjpeg":
		return "mjpeg"
	case "h264":
		return "h264"
	case "vp8", "vp9", "av1":
		return "ivf"
	case "rawvideo":
		return "yuv"
	default:
		return codec
	}
}

// Encoder consumes frames for one job. WriteFrame is only called from one
// worker at a time; Abort may be called concurrently with WriteFrame.
type Encoder interface {
	WriteFrame(p device.Packet) error
	Close() error
	Abort() error
}

// EncoderFactory creates the encoder writing to path.
type EncoderFactory func(spec JobSpec, plan Plan, path string) (Encoder, error)

// NewEncoder is the default factory: verbatim writes for passthrough
// sources, ffmpeg otherwise.
func NewEncoder(spec JobSpec, plan Plan, path string) (Encoder, error) {
	if plan.Passthrough {
		return newPassthrough(path)
	}
	return newFFmpegEncoder(spec, plan, path)
}

// passthroughEncoder writes frames verbatim. Concatenated JPEG frames form a
// playable MJPEG elementary stream.
type passthroughEncoder struct {
	f *os.File
	w *bufio.Writer
}

func newPassthrough(path string) (*passthroughEncoder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create video file: %w", err)
	}
	return &passthroughEncoder{f: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

func (e *passthroughEncoder) WriteFrame(p device.Packet) error {
	if _, err := e.w.Write(p.Data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (e *passthroughEncoder) Close() error {
	if err := e.w.Flush(); err != nil {
		e.f.Close()
		return fmt.Errorf("failed to flush video file: %w", err)
	}
	if err := e.f.Sync(); err != nil {
		e.f.Close()
		return fmt.Errorf("failed to sync video file: %w", err)
	}
	return e.f.Close()
}

func (e *passthroughEncoder) Abort() error {
	return e.f.Close()
}

// ffmpegEncoder pipes source frames into ffmpeg and lets it write the
// container.
type ffmpegEncoder struct {
	proc *ffmpeg.Process
}

func newFFmpegEncoder(spec JobSpec, plan Plan, path string) (*ffmpegEncoder, error) {
	args := []string{"-hide_banner", "-loglevel", "warning", "-use_wallclock_as_timestamps", "1"}
	switch plan.SourceCodec {
	case "rawvideo":
		pix := spec.Caps.PixelFormat
		if pix == "" {
			pix = "yuyv422"
		}
		args = append(args, "-f", "rawvideo", "-pix_fmt", pix,
			"-video_size", fmt.Sprintf("%dx%d", spec.Caps.Width, spec.Caps.Height))
	default:
		args = append(args, "-f", plan.SourceCodec)
	}
	args = append(args, "-i", "pipe:0")

	if plan.Tier.MaxHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:'min(ih,%d)'", plan.Tier.MaxHeight))
	}
	args = append(args,
		"-c:v", plan.Codec.library(),
		"-b:v", fmt.Sprintf("%dk", plan.Tier.Bitrate),
		"-cpu-used", fmt.Sprintf("%d", plan.Tier.CPUUsed),
	)
	if plan.Codec == CodecAV1 {
		args = append(args, "-usage", "realtime", "-row-mt", "1")
	} else {
		args = append(args, "-deadline", "realtime")
	}
	args = append(args, "-an", "-f", "webm", "-y", path)

	proc, err := ffmpeg.Start(context.Background(), args, ffmpeg.Options{Stdin: true, Label: "encode-" + spec.DeviceID})
	if err != nil {
		return nil, err
	}
	return &ffmpegEncoder{proc: proc}, nil
}

func (e *ffmpegEncoder) WriteFrame(p device.Packet) error {
	if _, err := e.proc.Stdin().Write(p.Data); err != nil {
		return fmt.Errorf("encoder input closed: %w", err)
	}
	return nil
}

// Close signals end of input and waits for ffmpeg to finish the container.
// The caller bounds the wait with its drain timeout.
func (e *ffmpegEncoder) Close() error {
	return e.proc.Stop(time.Hour)
}

func (e *ffmpegEncoder) Abort() error {
	e.proc.Kill()
	return nil
}
