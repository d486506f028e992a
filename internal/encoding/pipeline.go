// Package encoding turns captured video frames into files asynchronously.
// Each committed video device gets a Job with a bounded drop-oldest queue;
// a shared worker pool drains the queues so capture never waits on an
// encoder.
package encoding

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/audiolibrelab/jamwatch/internal/device"
)

const readyDepth = 1024

// ErrClosed is returned when starting a job on a closed pipeline.
var ErrClosed = errors.New("encoding: pipeline closed")

// Config selects codecs, quality and resource bounds.
type Config struct {
	Codec        Codec
	Quality      int
	Passthrough  []string
	Workers      int
	QueueFrames  int
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if !c.Codec.Valid() {
		c.Codec = CodecVP8
	}
	if c.Quality == 0 {
		c.Quality = 3
	}
	if c.Workers <= 0 {
		c.Workers = max(1, runtime.NumCPU()/2)
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// QueueSize returns the frame bound for a source: the configured value, or
// one second of frames, which covers one encode loop cycle.
func (c Config) QueueSize(caps device.Capabilities) int {
	if c.QueueFrames > 0 {
		return c.QueueFrames
	}
	rate := caps.FrameRate
	if rate <= 0 {
		rate = 30
	}
	return int(math.Ceil(rate))
}

// JobSpec names the device and output location of a job. The file is
// written to Dir/Name.<ext>, the extension depending on the plan.
type JobSpec struct {
	DeviceID string
	Caps     device.Capabilities
	Dir      string
	Name     string
}

// Pipeline owns the worker pool shared by all jobs.
type Pipeline struct {
	cfg        Config
	newEncoder EncoderFactory
	workers    *pool.Pool
	ready      chan *Job
	dispatched chan struct{}
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPipeline starts a pipeline. A nil factory selects NewEncoder.
func NewPipeline(cfg Config, factory EncoderFactory) *Pipeline {
	cfg = cfg.withDefaults()
	if factory == nil {
		factory = NewEncoder
	}
	p := &Pipeline{
		cfg:        cfg,
		newEncoder: factory,
		workers:    pool.New().WithMaxGoroutines(cfg.Workers),
		ready:      make(chan *Job, readyDepth),
		dispatched: make(chan struct{}),
		logger:     slog.Default().With("component", "encoding"),
	}
	go p.dispatch()
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

func (p *Pipeline) dispatch() {
	defer close(p.dispatched)
	for job := range p.ready {
		p.workers.Go(job.drain)
	}
}

// StartJob creates the output file and encoder for a device.
func (p *Pipeline) StartJob(spec JobSpec) (*Job, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	plan := p.cfg.PlanFor(spec.Caps)
	if err := os.MkdirAll(spec.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create video directory: %w", err)
	}
	path := filepath.Join(spec.Dir, spec.Name+"."+plan.Ext)
	enc, err := p.newEncoder(spec, plan, path)
	if err != nil {
		return nil, fmt.Errorf("failed to start encoder for %s: %w", spec.DeviceID, err)
	}

	j := &Job{
		spec:   spec,
		plan:   plan,
		path:   path,
		pipe:   p,
		queue:  NewQueue(p.cfg.QueueSize(spec.Caps)),
		enc:    enc,
		done:   make(chan struct{}),
		logger: p.logger.With("device", spec.DeviceID),
	}
	j.logger.Debug("Encoding job started", "path", path, "passthrough", plan.Passthrough,
		"codec", plan.Codec, "tier", plan.Tier.Level, "queue", j.queue.Cap())
	return j, nil
}

func (p *Pipeline) schedule(j *Job) {
	if !j.scheduled.CompareAndSwap(false, true) {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		j.scheduled.Store(false)
		return
	}
	select {
	case p.ready <- j:
	default:
		j.scheduled.Store(false)
	}
}

// Close stops accepting work and waits for running drains. Jobs should be
// finished first.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ready)
	p.mu.Unlock()

	<-p.dispatched
	p.workers.Wait()
}

// Result summarizes a finished job.
type Result struct {
	Path        string
	Passthrough bool
	Codec       string
	Produced    uint64
	Written     uint64
	Dropped     uint64
	First       time.Time
	Last        time.Time
	Incomplete  bool
	Err         error
}

// Duration returns the span between the first and last encoded frames.
func (r Result) Duration() time.Duration {
	if r.First.IsZero() || r.Last.Before(r.First) {
		return 0
	}
	return r.Last.Sub(r.First)
}

// Job encodes the frames of one video device.
type Job struct {
	spec   JobSpec
	plan   Plan
	pipe   *Pipeline
	queue  *Queue
	enc    Encoder
	logger *slog.Logger

	scheduled atomic.Bool
	eos       atomic.Bool
	closing   atomic.Bool
	failed    atomic.Bool
	produced  atomic.Uint64
	written   atomic.Uint64

	mu        sync.Mutex
	path      string
	first     time.Time
	last      time.Time
	err       error
	closeOnce sync.Once
	done      chan struct{}
}

// DeviceID returns the device the job encodes.
func (j *Job) DeviceID() string { return j.spec.DeviceID }

// Plan returns the encoding plan.
func (j *Job) Plan() Plan { return j.plan }

// Path returns the current output path.
func (j *Job) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Write queues a frame. It never blocks; see Push.
func (j *Job) Write(p device.Packet) error {
	j.Push(p)
	return nil
}

// Push queues a frame, dropping the oldest queued frame if the encoder is
// behind. Frames after end-of-stream are ignored.
func (j *Job) Push(p device.Packet) {
	if j.eos.Load() {
		return
	}
	j.produced.Add(1)
	if j.queue.Push(p) {
		if d := j.queue.Dropped(); d == 1 || d%100 == 0 {
			j.logger.Warn("Encoder falling behind, dropping frames", "dropped", d)
		}
	}
	j.pipe.schedule(j)
}

// Dropped returns frames lost to backpressure so far.
func (j *Job) Dropped() uint64 { return j.queue.Dropped() }

// Move renames the output file into dir, keeping its name. The encoder
// keeps writing through its open descriptor.
func (j *Job) Move(dir, name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	target := filepath.Join(dir, name+"."+j.plan.Ext)
	if err := os.Rename(j.path, target); err != nil {
		return fmt.Errorf("failed to move video file: %w", err)
	}
	j.path = target
	return nil
}

func (j *Job) drain() {
	for {
		for {
			frame, ok := j.queue.Pop()
			if !ok {
				break
			}
			j.encode(frame)
		}
		j.scheduled.Store(false)
		if j.queue.Len() > 0 {
			if j.scheduled.CompareAndSwap(false, true) {
				continue
			}
			return
		}
		if j.eos.Load() {
			j.closeEncoder(false)
		}
		return
	}
}

func (j *Job) encode(frame device.Packet) {
	if j.failed.Load() || j.closing.Load() {
		return
	}
	if err := j.enc.WriteFrame(frame); err != nil {
		j.setErr(err)
		j.failed.Store(true)
		j.logger.Error("Encoder failed, discarding remaining frames", "error", err)
		return
	}
	j.written.Add(1)
	j.mu.Lock()
	if j.first.IsZero() {
		j.first = frame.Time
	}
	j.last = frame.Time
	j.mu.Unlock()
}

// closeEncoder finalizes the output once. An aborted encoder is not
// closed again: a worker may still be inside WriteFrame.
func (j *Job) closeEncoder(aborted bool) {
	j.closeOnce.Do(func() {
		j.closing.Store(true)
		if aborted {
			close(j.done)
			return
		}
		go func() {
			if err := j.enc.Close(); err != nil {
				j.setErr(err)
			}
			close(j.done)
		}()
	})
}

func (j *Job) setErr(err error) {
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.mu.Unlock()
}

// Finish sends end-of-stream, waits up to timeout for the queue to drain
// and the file to be closed, and force-closes the encoder otherwise. A
// non-positive timeout uses the pipeline's drain timeout.
func (j *Job) Finish(timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = j.pipe.cfg.DrainTimeout
	}
	j.eos.Store(true)
	j.pipe.schedule(j)
	if j.queue.Len() == 0 && !j.scheduled.Load() {
		j.closeEncoder(false)
	}

	incomplete := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.done:
	case <-timer.C:
		incomplete = true
		j.closing.Store(true)
		discarded := j.queue.Discard()
		j.logger.Warn("Encoder did not drain in time, force closing", "timeout", timeout, "discarded", discarded)
		if err := j.enc.Abort(); err != nil {
			j.logger.Debug("Encoder abort failed", "error", err)
		}
		j.closeEncoder(true)
		<-j.done
	}
	return j.result(incomplete)
}

func (j *Job) result(incomplete bool) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	codec := string(j.plan.Codec)
	if j.plan.Passthrough {
		codec = j.plan.SourceCodec
	}
	return Result{
		Path:        j.path,
		Passthrough: j.plan.Passthrough,
		Codec:       codec,
		Produced:    j.produced.Load(),
		Written:     j.written.Load(),
		Dropped:     j.queue.Dropped(),
		First:       j.first,
		Last:        j.last,
		Incomplete:  incomplete || j.err != nil,
		Err:         j.err,
	}
}
