package device

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/ffmpeg"
)

// BytesPerSample is the width of one PCM sample; capture is s16le.
const BytesPerSample = 2

// pcmSource reads interleaved s16le PCM from an ffmpeg JACK client that is
// wired to the binding's PipeWire ports.
type pcmSource struct {
	binding  Binding
	proc     *ffmpeg.Process
	chunk    int
	chunkDur time.Duration
}

// OpenPCM starts capture for an audio binding.
func OpenPCM(ctx context.Context, b Binding, pw *PipeWire) (Source, error) {
	channels := b.Channels()
	client := "jamwatch_" + b.ID
	args := []string{
		"-hide_banner", "-nostdin",
		"-f", "jack",
		"-channels", fmt.Sprintf("%d", channels),
		"-i", client,
		"-ar", fmt.Sprintf("%d", b.Caps.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	}
	proc, err := ffmpeg.Start(ctx, args, ffmpeg.Options{
		Wrapper: "pw-jack",
		Env:     []string{"PIPEWIRE_QUANTUM=256/48000", "PIPEWIRE_LATENCY=256/48000"},
		Stdout:  true,
		Label:   b.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := pw.Wire(ctx, b, client, 5*time.Second); err != nil {
		proc.Kill()
		return nil, err
	}

	return &pcmSource{
		binding:  b,
		proc:     proc,
		chunk:    b.ChunkFrames() * channels * BytesPerSample,
		chunkDur: b.ChunkDuration(),
	}, nil
}

func (s *pcmSource) Read(ctx context.Context) (Packet, error) {
	if err := ctx.Err(); err != nil {
		return Packet{}, err
	}
	buf := make([]byte, s.chunk)
	if _, err := io.ReadFull(s.proc.Stdout(), buf); err != nil {
		select {
		case <-s.proc.Done():
			return Packet{}, fmt.Errorf("audio capture for %s exited: %w", s.binding.ID, err)
		default:
		}
		return Packet{}, fmt.Errorf("read audio %s: %w", s.binding.ID, err)
	}
	// The chunk ends now; stamp it with the time of its first frame.
	return Packet{Time: time.Now().Add(-s.chunkDur), Data: buf}, nil
}

func (s *pcmSource) Close() error {
	return s.proc.Stop(5 * time.Second)
}

// PeakDBFS returns the peak level of an s16le chunk in dB full scale.
// Silence returns -Inf.
func PeakDBFS(pcm []byte) float64 {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(float64(peak)/32768.0)
}
