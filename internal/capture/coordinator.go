// Package capture keeps every bound device streaming into its pre-roll
// buffer and, on commit, into the active session.
//
// Each device has a reader goroutine doing blocking hardware reads and a
// pump goroutine that takes packets off a bounded channel. The pump holds
// the coordinator's read lock while it buffers and persists a packet; commit
// and release take the write lock, so a packet is either fully part of a
// session or not part of it at all.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/ringbuffer"
)

// DefaultQueueDepth is the per-device channel between reader and pump.
const DefaultQueueDepth = 256

var (
	// ErrCommitted is returned for topology changes while a session is
	// committed.
	ErrCommitted = errors.New("capture: devices are committed to a session")
	// ErrNotCommitted is returned by Release without a committed session.
	ErrNotCommitted = errors.New("capture: no committed session")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("capture: coordinator closed")
	// ErrUnknownDevice is returned for ids that are not bound.
	ErrUnknownDevice = errors.New("capture: unknown device")
)

// State is the data path of one device.
type State string

const (
	Buffering State = "buffering"
	Committed State = "committed"
	Lost      State = "lost"
)

// Sink receives packets in capture order. session.Track and encoding.Job
// both satisfy it.
type Sink interface {
	Write(p device.Packet) error
}

// Config wires a coordinator.
type Config struct {
	Driver  device.Driver
	PreRoll time.Duration
	// VideoPreRoll bounds buffered video. Video pre-roll beyond this is
	// only available through spooled encoding.
	VideoPreRoll time.Duration
	QueueDepth   int
	// OnPacket is called for every packet after it was buffered, outside
	// any coordinator lock.
	OnPacket func(b device.Binding, p device.Packet)
	// OnLoss is called once when a device stops delivering data.
	OnLoss func(b device.Binding, err error)
}

// DeviceStatus is a point-in-time view of one device.
type DeviceStatus struct {
	ID       string        `json:"id"`
	Kind     device.Kind   `json:"kind"`
	Roles    []device.Role `json:"roles"`
	State    State         `json:"state"`
	Buffered int           `json:"buffered"`
	Packets  uint64        `json:"packets"`
	Overruns uint64        `json:"overruns"`
	Error    string        `json:"error,omitempty"`
}

type stream struct {
	binding device.Binding
	src     device.Source
	buf     *ringbuffer.Buffer[[]byte]
	queue   chan device.Packet
	cancel  context.CancelFunc
	done    chan struct{}

	packets  atomic.Uint64
	overruns atomic.Uint64

	// guarded by Coordinator.mu
	sink Sink
	taps []Sink

	errMu   sync.Mutex
	lost    error
	sinkErr error
}

func (s *stream) lostErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lost
}

func (s *stream) markLost(err error) bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.lost != nil {
		return false
	}
	s.lost = err
	return true
}

func (s *stream) writeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.sinkErr
}

func (s *stream) setWriteErr(err error) {
	s.errMu.Lock()
	s.sinkErr = err
	s.errMu.Unlock()
}

// Coordinator owns the capture streams of all bound devices.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	// topo serializes Bind, Unbind, Commit and Release. Opening a device
	// can block, so it is not done under mu.
	topo sync.Mutex

	mu        sync.RWMutex
	streams   map[string]*stream
	order     []string
	preRoll   time.Duration
	committed bool
	closed    bool
}

// New creates a coordinator with no devices bound.
func New(cfg Config) *Coordinator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.VideoPreRoll <= 0 {
		cfg.VideoPreRoll = time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		logger:  slog.Default().With("component", "capture"),
		streams: make(map[string]*stream),
		preRoll: cfg.PreRoll,
	}
}

func (c *Coordinator) windowFor(b device.Binding, preRoll time.Duration) time.Duration {
	if b.Kind == device.KindVideo && preRoll > c.cfg.VideoPreRoll {
		return c.cfg.VideoPreRoll
	}
	return preRoll
}

// Bind makes the set of bound devices equal bindings. Devices whose
// binding did not change keep streaming untouched; lost devices are
// reopened. Devices that fail to open are skipped and reported in the
// returned error while the rest stay bound.
func (c *Coordinator) Bind(ctx context.Context, bindings []device.Binding) error {
	c.topo.Lock()
	defer c.topo.Unlock()

	c.mu.RLock()
	closed, committed := c.closed, c.committed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if committed {
		return ErrCommitted
	}

	wanted := make(map[string]device.Binding, len(bindings))
	for _, b := range bindings {
		wanted[b.ID] = b
	}

	var stale []*stream
	c.mu.Lock()
	for id, s := range c.streams {
		b, keep := wanted[id]
		if keep && b.Equal(s.binding) && s.lostErr() == nil {
			continue
		}
		stale = append(stale, s)
		delete(c.streams, id)
	}
	c.mu.Unlock()
	for _, s := range stale {
		c.stop(s)
	}

	var errs error
	order := make([]string, 0, len(bindings))
	for _, b := range bindings {
		c.mu.RLock()
		_, running := c.streams[b.ID]
		c.mu.RUnlock()
		if !running {
			if err := c.open(ctx, b); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("device %s: %w", b.ID, err))
				continue
			}
		}
		order = append(order, b.ID)
	}

	c.mu.Lock()
	c.order = order
	c.mu.Unlock()
	c.logger.Info("Devices bound", "count", len(order), "failed", len(multierr.Errors(errs)))
	return errs
}

func (c *Coordinator) open(ctx context.Context, b device.Binding) error {
	if err := b.Validate(); err != nil {
		return err
	}
	src, err := c.cfg.Driver.Open(ctx, b)
	if err != nil {
		return err
	}
	c.mu.Lock()
	preRoll := c.preRoll
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		binding: b,
		src:     src,
		buf:     ringbuffer.New[[]byte](c.windowFor(b, preRoll), b.Rate()),
		queue:   make(chan device.Packet, c.cfg.QueueDepth),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.streams[b.ID] = s
	c.mu.Unlock()

	go c.read(runCtx, s)
	go c.pump(runCtx, s)
	c.logger.Debug("Device opened", "device", b.ID, "kind", b.Kind, "buffer", s.buf.Capacity())
	return nil
}

func (c *Coordinator) read(ctx context.Context, s *stream) {
	defer close(s.queue)
	for {
		p, err := s.src.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.markLost(err)
			}
			return
		}
		select {
		case s.queue <- p:
		default:
			if n := s.overruns.Add(1); n == 1 || n%1000 == 0 {
				c.logger.Warn("Capture queue overrun, dropping packet", "device", s.binding.ID, "overruns", n)
			}
		}
	}
}

func (c *Coordinator) pump(ctx context.Context, s *stream) {
	defer close(s.done)
	for p := range s.queue {
		c.deliver(s, p)
	}
	if err := s.lostErr(); err != nil && ctx.Err() == nil {
		c.logger.Warn("Device lost", "device", s.binding.ID, "error", err)
		if c.cfg.OnLoss != nil {
			c.cfg.OnLoss(s.binding, err)
		}
	}
}

func (c *Coordinator) deliver(s *stream, p device.Packet) {
	c.mu.RLock()
	s.buf.Push(p.Time, p.Data)
	for _, tap := range s.taps {
		if err := tap.Write(p); err != nil {
			c.logger.Debug("Tap write failed", "device", s.binding.ID, "error", err)
		}
	}
	if c.committed && s.sink != nil && s.writeErr() == nil {
		if err := s.sink.Write(p); err != nil {
			s.setWriteErr(err)
			c.logger.Error("Failed to persist packet, device detached from session", "device", s.binding.ID, "error", err)
		}
	}
	c.mu.RUnlock()
	s.packets.Add(1)

	if c.cfg.OnPacket != nil {
		c.cfg.OnPacket(s.binding, p)
	}
}

func (c *Coordinator) stop(s *stream) {
	s.cancel()
	if err := s.src.Close(); err != nil {
		c.logger.Debug("Device close failed", "device", s.binding.ID, "error", err)
	}
	<-s.done
}

// Unbind stops one device.
func (c *Coordinator) Unbind(id string) error {
	c.topo.Lock()
	defer c.topo.Unlock()

	c.mu.Lock()
	if c.committed {
		c.mu.Unlock()
		return ErrCommitted
	}
	s, ok := c.streams[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	delete(c.streams, id)
	c.order = slices.DeleteFunc(c.order, func(o string) bool { return o == id })
	c.mu.Unlock()

	c.stop(s)
	c.logger.Info("Device unbound", "device", id)
	return nil
}

// Drop marks a device lost, for example after the kernel reported its
// removal, and closes its source. The loss is reported through OnLoss
// like a read failure.
func (c *Coordinator) Drop(id string, reason error) error {
	c.mu.RLock()
	s, ok := c.streams[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if !s.markLost(reason) {
		return nil
	}
	if err := s.src.Close(); err != nil {
		c.logger.Debug("Device close failed", "device", id, "error", err)
	}
	return nil
}

// SetPreRoll changes the buffered window of every device. Existing
// entries are kept newest-first.
func (c *Coordinator) SetPreRoll(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed {
		return ErrCommitted
	}
	c.preRoll = d
	for _, s := range c.streams {
		s.buf.Resize(c.windowFor(s.binding, d))
	}
	return nil
}

// PreRoll returns the configured pre-roll window.
func (c *Coordinator) PreRoll() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.preRoll
}

// Bindings returns the bound devices in binding order.
func (c *Coordinator) Bindings() []device.Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]device.Binding, 0, len(c.order))
	for _, id := range c.order {
		if s, ok := c.streams[id]; ok {
			out = append(out, s.binding)
		}
	}
	return out
}

// Lost returns the bindings of devices that stopped delivering data.
func (c *Coordinator) Lost() []device.Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []device.Binding
	for _, id := range c.order {
		if s, ok := c.streams[id]; ok && s.lostErr() != nil {
			out = append(out, s.binding)
		}
	}
	return out
}

// SetTaps replaces the sinks that receive every packet of a device
// regardless of commit state. Spooled encoders are attached this way.
func (c *Coordinator) SetTaps(id string, taps ...Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	s.taps = slices.Clone(taps)
	return nil
}

// PrerollStart returns the timestamp of the oldest buffered recording
// packet no older than at minus the pre-roll window. Without buffered
// data it returns at.
func (c *Coordinator) PrerollStart(at time.Time) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cutoff := at.Add(-c.preRoll)
	start := at
	for _, s := range c.streams {
		if !s.binding.Records() || s.binding.Kind == device.KindVideo {
			continue
		}
		entries := s.buf.DrainFrom(cutoff)
		if len(entries) > 0 && entries[0].Time.Before(start) {
			start = entries[0].Time
		}
	}
	return start
}

// Snapshot returns the buffered entries of a device, oldest first.
func (c *Coordinator) Snapshot(id string) []ringbuffer.Entry[[]byte] {
	c.mu.RLock()
	s, ok := c.streams[id]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.buf.Snapshot()
}

// Commit attaches sinks and seeds each one with its device's buffered
// packets at or after from. From then on live packets flow into the
// sinks. It returns the number of seeded packets per device.
func (c *Coordinator) Commit(sinks map[string]Sink, from time.Time) (map[string]int, error) {
	c.topo.Lock()
	defer c.topo.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.committed {
		return nil, ErrCommitted
	}

	seeded := make(map[string]int, len(sinks))
	var errs error
	for id, sink := range sinks {
		s, ok := c.streams[id]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrUnknownDevice, id))
			continue
		}
		s.sink = sink
		s.setWriteErr(nil)
		for _, e := range s.buf.DrainFrom(from) {
			if err := sink.Write(device.Packet{Time: e.Time, Data: e.Value}); err != nil {
				s.setWriteErr(err)
				errs = multierr.Append(errs, fmt.Errorf("seed %s: %w", id, err))
				break
			}
			seeded[id]++
		}
	}
	c.committed = true
	c.logger.Info("Capture committed", "devices", len(sinks), "from", from)
	return seeded, errs
}

// Release detaches every sink and tap and returns to buffering. It
// returns the first write error of each device that failed while
// committed.
func (c *Coordinator) Release() (map[string]error, error) {
	c.topo.Lock()
	defer c.topo.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.committed {
		return nil, ErrNotCommitted
	}
	failures := make(map[string]error)
	for id, s := range c.streams {
		if err := s.writeErr(); err != nil {
			failures[id] = err
		}
		s.sink = nil
		s.setWriteErr(nil)
		s.taps = nil
	}
	c.committed = false
	c.logger.Info("Capture released")
	return failures, nil
}

// Committed reports whether a session is attached.
func (c *Coordinator) Committed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed
}

// Status describes every bound device.
func (c *Coordinator) Status() []DeviceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DeviceStatus, 0, len(c.order))
	for _, id := range c.order {
		s, ok := c.streams[id]
		if !ok {
			continue
		}
		st := DeviceStatus{
			ID:       id,
			Kind:     s.binding.Kind,
			Roles:    s.binding.Roles,
			State:    Buffering,
			Buffered: s.buf.Len(),
			Packets:  s.packets.Load(),
			Overruns: s.overruns.Load(),
		}
		if c.committed && s.sink != nil {
			st.State = Committed
		}
		if err := s.lostErr(); err != nil {
			st.State = Lost
			st.Error = err.Error()
		} else if err := s.writeErr(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close stops every device. Sinks must have been released.
func (c *Coordinator) Close() error {
	c.topo.Lock()
	defer c.topo.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[string]*stream)
	c.order = nil
	c.mu.Unlock()

	for _, s := range streams {
		c.stop(s)
	}
	return nil
}
