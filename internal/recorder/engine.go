// Package recorder holds the recording state machine. A single owner
// goroutine serializes every transition; triggers, idle timeouts, device
// losses, manual commands and configuration changes all reach it through
// channels.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/capture"
	"github.com/audiolibrelab/jamwatch/internal/config"
	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/encoding"
	"github.com/audiolibrelab/jamwatch/internal/events"
	"github.com/audiolibrelab/jamwatch/internal/idle"
	"github.com/audiolibrelab/jamwatch/internal/lock"
	"github.com/audiolibrelab/jamwatch/internal/session"
	"github.com/audiolibrelab/jamwatch/internal/trigger"
)

// Phase is the state of the recording state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseRecording    Phase = "recording"
	PhaseStopping     Phase = "stopping"
)

var (
	// ErrClosed is returned for commands sent to an engine that is not
	// running.
	ErrClosed = errors.New("recorder: engine is not running")
	// ErrNoDevices is returned when a start finds nothing to record.
	ErrNoDevices = errors.New("recorder: no recording devices available")
)

// Status is the externally visible state of the engine.
type Status struct {
	Phase         Phase                  `json:"phase"`
	SessionID     string                 `json:"session_id,omitempty"`
	StartedAt     time.Time              `json:"started_at,omitempty"`
	ElapsedMs     int64                  `json:"elapsed_ms"`
	LastActivity  time.Time              `json:"last_activity,omitempty"`
	ActiveDevices []string               `json:"active_devices"`
	Devices       []capture.DeviceStatus `json:"devices"`
	Profile       string                 `json:"profile,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
}

// Options wires an engine to its collaborators. Zero values select the
// host's devices, a private bus, no index and this process's lock owner.
type Options struct {
	Driver         device.Driver
	Bus            *events.Bus
	Index          session.Indexer
	Owner          lock.Owner
	EncoderFactory encoding.EncoderFactory
}

type activityRule struct {
	rule        string
	thresholdDB float64
}

type command struct {
	fn   func()
	done chan struct{}
}

// Engine is the recording state machine.
type Engine struct {
	driver  device.Driver
	bus     *events.Bus
	owner   lock.Owner
	factory encoding.EncoderFactory
	logger  *slog.Logger

	trigger   *trigger.Monitor
	coord     *capture.Coordinator
	finalizer *session.Finalizer

	cmds    chan command
	expired chan expiry
	losses  chan lossReport
	started atomic.Bool
	running atomic.Bool
	done    chan struct{}

	// Read from capture goroutines.
	recording atomic.Bool
	activity  atomic.Pointer[activityRule]
	idleSched atomic.Pointer[idle.Scheduler]
	current   atomic.Pointer[session.Session]

	// Owned by the loop goroutine.
	cfg     config.Snapshot
	pending *config.Snapshot
	pipe    *encoding.Pipeline
	spools  *spooler
	ticker  *time.Ticker

	mu      sync.RWMutex
	phase   Phase
	sess    *session.Session
	locked  string
	profile string
	lastErr error
}

// expiry is an idle timeout of one session. The loop ignores expiries
// that arrive after their session ended.
type expiry struct {
	session string
	last    time.Time
}

type lossReport struct {
	binding device.Binding
	err     error
}

// New creates an engine for cfg. Devices are bound when Run starts.
func New(cfg config.Snapshot, opts Options) *Engine {
	if opts.Driver == nil {
		opts.Driver = device.NewSystemDriver()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Owner.Instance == "" {
		opts.Owner = lock.Self()
	}
	e := &Engine{
		driver:    opts.Driver,
		bus:       opts.Bus,
		owner:     opts.Owner,
		factory:   opts.EncoderFactory,
		logger:    slog.Default().With("component", "recorder"),
		trigger:   trigger.NewMonitor(cfg.TriggerDebounce),
		finalizer: &session.Finalizer{Owner: opts.Owner, Index: opts.Index},
		cmds:      make(chan command),
		expired:   make(chan expiry, 1),
		losses:    make(chan lossReport, 64),
		done:      make(chan struct{}),
		cfg:       cfg,
		phase:     PhaseIdle,
		profile:   cfg.Profile,
	}
	e.coord = capture.New(capture.Config{
		Driver:   opts.Driver,
		PreRoll:  cfg.PreRoll,
		OnPacket: e.observe,
		OnLoss:   e.reportLoss,
	})
	e.applyRuntime(cfg)
	return e
}

// Bus returns the event bus the engine publishes on.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Run binds the configured devices and serves the state machine until ctx
// is cancelled. A recording in progress is finalized before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("recorder: engine already started")
	}
	e.running.Store(true)
	defer close(e.done)
	defer e.running.Store(false)

	if err := os.MkdirAll(e.cfg.SessionsDir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	e.pipe = encoding.NewPipeline(e.cfg.Video, e.factory)
	e.spools = newSpooler(e.cfg.SessionsDir, e.pipe, e.coord, e.cfg.PreRoll)
	e.bind(ctx)
	e.logger.Info("Recording engine ready", "profile", e.cfg.Profile, "devices", len(e.coord.Bindings()),
		"pre_roll", e.cfg.PreRoll, "idle_timeout", e.cfg.IdleTimeout)

	e.ticker = time.NewTicker(heartbeatEvery(e.cfg))
	defer e.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case sig := <-e.trigger.Signals():
			if _, err := e.start(ctx, sig.Time, sig.Device); err != nil {
				e.logger.Error("Triggered start failed", "device", sig.Device, "error", err)
			}
		case exp := <-e.expired:
			if e.Phase() != PhaseRecording || exp.session != e.ActiveSession() {
				e.logger.Debug("Stale idle timeout ignored", "session", exp.session)
				continue
			}
			e.logger.Info("Idle timeout reached", "last_activity", exp.last, "timeout", e.cfg.IdleTimeout)
			e.stop(ctx, "idle timeout")
		case loss := <-e.losses:
			e.handleLoss(loss)
		case cmd := <-e.cmds:
			cmd.fn()
			close(cmd.done)
		case now := <-e.ticker.C:
			e.tick(ctx, now)
		}
	}
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) do(ctx context.Context, fn func()) error {
	if !e.running.Load() {
		return ErrClosed
	}
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// Start begins a recording as if a trigger fired now. Starting while not
// idle is a no-op that returns the current status.
func (e *Engine) Start(ctx context.Context) (Status, error) {
	var (
		st  Status
		err error
	)
	if cerr := e.do(ctx, func() { st, err = e.start(ctx, time.Now(), "manual") }); cerr != nil {
		return Status{}, cerr
	}
	return st, err
}

// Stop ends the current recording and waits for it to be finalized. It
// returns nil metadata when nothing was recording.
func (e *Engine) Stop(ctx context.Context) (*session.Metadata, error) {
	var (
		m   *session.Metadata
		err error
	)
	if cerr := e.do(ctx, func() { m, err = e.stop(ctx, "manual stop") }); cerr != nil {
		return nil, cerr
	}
	return m, err
}

// Reconfigure hands the engine a new configuration. Changes are applied
// at once while idle; during a recording they wait until it ends.
func (e *Engine) Reconfigure(ctx context.Context, next config.Snapshot) error {
	return e.do(ctx, func() {
		if e.Phase() != PhaseIdle {
			e.pending = &next
			e.logger.Info("Configuration change deferred until recording ends")
			return
		}
		e.apply(ctx, next)
	})
}

// HandleRemoval drops bound devices matching a kernel removal event.
func (e *Engine) HandleRemoval(r device.Removal) {
	for _, b := range e.coord.Bindings() {
		if !r.Matches(b) {
			continue
		}
		reason := fmt.Errorf("device removed (%s %s)", r.Subsystem, r.DevName)
		if err := e.coord.Drop(b.ID, reason); err != nil {
			e.logger.Debug("Failed to drop removed device", "device", b.ID, "error", err)
		}
	}
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

// LastError returns the most recent start or finalize failure.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// ActiveSession returns the id of the session whose lock the engine holds,
// from lock acquisition until finalize returns.
func (e *Engine) ActiveSession() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.locked
}

func (e *Engine) setLocked(id string) {
	e.mu.Lock()
	e.locked = id
	e.mu.Unlock()
}

// Status describes the engine and its devices.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{Phase: e.phase, Profile: e.profile}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	sess := e.sess
	e.mu.RUnlock()

	st.Devices = e.coord.Status()
	if sess != nil {
		st.SessionID = sess.ID
		st.StartedAt = sess.Start
		st.ElapsedMs = time.Since(sess.Start).Milliseconds()
		st.LastActivity = sess.LastActivity()
		st.ActiveDevices = sess.Devices()
	}
	return st
}

func (e *Engine) setPhase(to Phase, reason string) {
	e.mu.Lock()
	from := e.phase
	e.phase = to
	id := ""
	if e.sess != nil {
		id = e.sess.ID
	}
	e.mu.Unlock()
	e.recording.Store(to == PhaseRecording)

	e.logger.Info("Recording state changed", "from", from, "to", to, "reason", reason, "session", id)
	e.bus.Emit(events.RecordingStateChanged, events.StateChange{
		From: string(from), To: string(to), SessionID: id, Reason: reason,
	})
}

func (e *Engine) setError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// bind brings the coordinator in line with the configured devices.
// Devices that fail to open are reported and retried on later ticks.
func (e *Engine) bind(ctx context.Context) {
	if err := e.coord.Bind(ctx, e.cfg.Devices); err != nil {
		e.logger.Warn("Some devices could not be bound", "error", err)
		e.setError(err)
	}
	e.trigger.SetBindings(e.coord.Bindings())
	if e.cfg.EncodeDuringPreroll {
		e.spools.start(e.coord.Bindings(), time.Now())
	}
}

func (e *Engine) start(ctx context.Context, at time.Time, triggeredBy string) (Status, error) {
	if phase := e.Phase(); phase != PhaseIdle {
		e.logger.Debug("Start ignored", "phase", phase, "trigger", triggeredBy)
		return e.Status(), nil
	}
	e.setPhase(PhaseInitializing, triggeredBy)

	sess, err := e.initialize(ctx, at, triggeredBy)
	if err != nil {
		e.setError(err)
		e.setPhase(PhaseIdle, "start failed")
		if e.cfg.EncodeDuringPreroll {
			e.spools.start(e.coord.Bindings(), time.Now())
		}
		return e.Status(), err
	}

	e.mu.Lock()
	e.sess = sess
	e.lastErr = nil
	e.mu.Unlock()
	e.current.Store(sess)

	sched := e.idleSched.Load()
	sched.Start(at)
	e.setPhase(PhaseRecording, triggeredBy)

	st := e.Status()
	e.bus.Emit(events.RecordingStarted, st)
	return st, nil
}

// initialize takes a session from nothing to committed capture. Every
// failure leaves no lock behind.
func (e *Engine) initialize(ctx context.Context, at time.Time, triggeredBy string) (*session.Session, error) {
	// Reopen devices lost since the last tick.
	if lost := e.coord.Lost(); len(lost) > 0 || len(e.coord.Bindings()) < len(e.cfg.Devices) {
		if err := e.coord.Bind(ctx, e.cfg.Devices); err != nil {
			e.logger.Warn("Recording without some devices", "error", err)
		}
		e.trigger.SetBindings(e.coord.Bindings())
	}

	var record []device.Binding
	lost := make(map[string]bool)
	for _, b := range e.coord.Lost() {
		lost[b.ID] = true
	}
	for _, b := range e.coord.Bindings() {
		if b.Records() && !lost[b.ID] {
			record = append(record, b)
		}
	}
	if len(record) == 0 {
		return nil, ErrNoDevices
	}

	from := e.coord.PrerollStart(at)
	sess, err := session.Create(e.cfg.SessionsDir, from, record, triggeredBy)
	if err != nil {
		return nil, err
	}
	sess.PreRoll = at.Sub(from)

	if _, err := lock.Acquire(sess.Dir, e.owner, sess.ID, time.Now()); err != nil {
		os.Remove(sess.Dir)
		return nil, fmt.Errorf("failed to lock session %s: %w", sess.ID, err)
	}
	e.setLocked(sess.ID)
	abort := func(err error) (*session.Session, error) {
		defer e.setLocked("")
		if rerr := lock.Release(sess.Dir, e.owner); rerr != nil {
			e.logger.Warn("Failed to release lock of aborted session", "session", sess.ID, "error", rerr)
		} else {
			os.RemoveAll(sess.Dir)
		}
		return nil, err
	}

	var spooled map[string]*encoding.Job
	if e.cfg.EncodeDuringPreroll {
		spooled = e.spools.claimAll(record)
	}
	tracks, err := sess.OpenTracks(e.pipe, spooled, e.cfg.Video.DrainTimeout)
	if err != nil {
		e.discardClaimed(spooled)
		return abort(fmt.Errorf("failed to open session files: %w", err))
	}

	if err := session.Save(sess.Dir, sess.InitialMetadata(e.owner.Host)); err != nil {
		for _, t := range tracks {
			t.Close(time.Now())
		}
		e.discardClaimed(spooled)
		return abort(err)
	}

	sinks := make(map[string]capture.Sink, len(tracks))
	for id, t := range tracks {
		if spooled[id] != nil {
			continue
		}
		sinks[id] = t
	}
	seeded, err := e.coord.Commit(sinks, from)
	if err != nil {
		sess.Warn("", "pre-roll seeding incomplete: %v", err)
	}
	e.logger.Info("Session initialized", "session", sess.ID, "devices", len(record),
		"pre_roll", sess.PreRoll, "seeded", seeded)
	return sess, nil
}

// discardClaimed stops spooled jobs handed to a session that never
// started. Their files go with the session directory.
func (e *Engine) discardClaimed(jobs map[string]*encoding.Job) {
	for id, job := range jobs {
		_ = e.coord.SetTaps(id)
		job.Finish(discardTimeout)
	}
}

func (e *Engine) stop(ctx context.Context, reason string) (*session.Metadata, error) {
	if phase := e.Phase(); phase != PhaseRecording {
		e.logger.Debug("Stop ignored", "phase", phase, "reason", reason)
		return nil, nil
	}
	e.setPhase(PhaseStopping, reason)
	end := time.Now()

	e.idleSched.Load().Stop()
	e.mu.RLock()
	sess := e.sess
	e.mu.RUnlock()

	failures, err := e.coord.Release()
	if err != nil {
		e.logger.Warn("Capture release failed", "error", err)
	}
	for id, ferr := range failures {
		sess.Warn(id, "write failed, device detached: %v", ferr)
	}

	m, ferr := e.finalizer.Finalize(ctx, sess, end)
	e.current.Store(nil)
	e.mu.Lock()
	e.sess = nil
	e.locked = ""
	e.lastErr = ferr
	e.mu.Unlock()

	e.setPhase(PhaseIdle, reason)
	if ferr == nil {
		e.bus.Emit(events.RecordingStopped, m)
	}

	if e.pending != nil {
		next := *e.pending
		e.pending = nil
		e.apply(ctx, next)
	}
	if e.cfg.EncodeDuringPreroll {
		e.spools.start(e.coord.Bindings(), time.Now())
	}
	return m, ferr
}

// apply switches to next while idle. Changes to capture topology pulse
// the state machine through Initializing while devices are rebound.
func (e *Engine) apply(ctx context.Context, next config.Snapshot) {
	prev := e.cfg
	e.cfg = next
	e.applyRuntime(next)
	e.mu.Lock()
	e.profile = next.Profile
	e.mu.Unlock()
	if e.ticker != nil && heartbeatEvery(prev) != heartbeatEvery(next) {
		e.ticker.Reset(heartbeatEvery(next))
	}
	if !prev.TopologyChanged(next) {
		e.logger.Info("Configuration updated", "profile", next.Profile)
		return
	}

	e.setPhase(PhaseInitializing, "reconfigure")
	e.spools.stop()
	if err := e.coord.SetPreRoll(next.PreRoll); err != nil {
		e.logger.Warn("Failed to resize pre-roll buffers", "error", err)
	}
	if prev.VideoChanged(next) || prev.SessionsDir != next.SessionsDir {
		e.pipe.Close()
		e.pipe = encoding.NewPipeline(next.Video, e.factory)
	}
	if err := os.MkdirAll(next.SessionsDir, 0755); err != nil {
		e.setError(fmt.Errorf("failed to create sessions directory: %w", err))
	}
	e.spools = newSpooler(next.SessionsDir, e.pipe, e.coord, next.PreRoll)
	e.bind(ctx)
	e.setPhase(PhaseIdle, "reconfigure")
}

// applyRuntime installs settings read by capture goroutines.
func (e *Engine) applyRuntime(cfg config.Snapshot) {
	threshold := cfg.AudioThresholdDB
	if threshold == 0 {
		threshold = config.DefaultAudioThresholdDB
	}
	e.activity.Store(&activityRule{rule: cfg.Activity, thresholdDB: threshold})
	if old := e.idleSched.Load(); old == nil || old.Timeout() != cfg.IdleTimeout {
		e.idleSched.Store(idle.New(cfg.IdleTimeout, e.expire))
	}
}

func heartbeatEvery(cfg config.Snapshot) time.Duration {
	if cfg.HeartbeatInterval <= 0 {
		return config.DefaultHeartbeatInterval
	}
	return cfg.HeartbeatInterval
}

func (e *Engine) expire(last time.Time) {
	exp := expiry{last: last}
	if sess := e.current.Load(); sess != nil {
		exp.session = sess.ID
	}
	select {
	case e.expired <- exp:
	default:
	}
}

// observe runs on capture goroutines for every packet.
func (e *Engine) observe(b device.Binding, p device.Packet) {
	e.trigger.Observe(b.ID, p)
	if !e.recording.Load() || !e.isActivity(b, p) {
		return
	}
	if sched := e.idleSched.Load(); sched != nil {
		sched.Touch(p.Time)
	}
	if sess := e.current.Load(); sess != nil {
		sess.Touch(p.Time)
	}
}

// isActivity applies the configured activity rule: by default any MIDI
// channel message or audio above the threshold; with the trigger rule only
// trigger gestures. Realtime MIDI and video never count.
func (e *Engine) isActivity(b device.Binding, p device.Packet) bool {
	rule := e.activity.Load()
	switch b.Kind {
	case device.KindMIDI:
		if !device.IsChannelMessage(p.Data) {
			return false
		}
		if rule.rule == config.ActivityTrigger {
			return b.IsTrigger() && trigger.IsGesture(b, p.Data)
		}
		return true
	case device.KindAudio:
		if rule.rule == config.ActivityTrigger {
			return false
		}
		peak := device.PeakDBFS(p.Data)
		return !math.IsInf(peak, -1) && peak > rule.thresholdDB
	default:
		return false
	}
}

func (e *Engine) reportLoss(b device.Binding, err error) {
	select {
	case e.losses <- lossReport{binding: b, err: err}:
	default:
		e.logger.Warn("Device loss report dropped", "device", b.ID, "error", err)
	}
}

func (e *Engine) handleLoss(loss lossReport) {
	id := ""
	if e.Phase() == PhaseRecording {
		if sess := e.current.Load(); sess != nil {
			id = sess.ID
			sess.MarkLost(loss.binding.ID, loss.err)
		}
	}
	e.bus.Emit(events.DeviceLost, events.DeviceLoss{
		Device: loss.binding.ID, SessionID: id, Error: loss.err.Error(),
	})
}

// tick runs on the heartbeat interval: it refreshes the lock while
// recording, and while idle rotates spools, reopens lost devices and
// applies deferred configuration.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	switch e.Phase() {
	case PhaseRecording:
		if sess := e.current.Load(); sess != nil {
			if err := lock.Heartbeat(sess.Dir, e.owner, now); err != nil {
				e.logger.Error("Failed to refresh recording lock", "session", sess.ID, "error", err)
			}
		}
	case PhaseIdle:
		if e.pending != nil {
			next := *e.pending
			e.pending = nil
			e.apply(ctx, next)
			return
		}
		if len(e.coord.Lost()) > 0 || len(e.coord.Bindings()) < len(e.cfg.Devices) {
			e.bind(ctx)
		}
		if e.cfg.EncodeDuringPreroll {
			e.spools.rotate(e.coord.Bindings(), now)
		}
	}
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), e.pipe.Config().DrainTimeout+30*time.Second)
	defer cancel()
	if e.Phase() == PhaseRecording {
		if _, err := e.stop(ctx, "shutdown"); err != nil {
			e.logger.Error("Finalize during shutdown failed", "error", err)
		}
	}
	e.spools.stop()
	if err := e.coord.Close(); err != nil {
		e.logger.Warn("Failed to close capture devices", "error", err)
	}
	e.pipe.Close()
	if sched := e.idleSched.Load(); sched != nil {
		sched.Stop()
	}
	e.logger.Info("Recording engine stopped")
}
