// Package trigger watches MIDI input from trigger devices and turns
// performance gestures into debounced start signals.
package trigger

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/device"
)

// DefaultDebounce collapses trigger events arriving this close together.
const DefaultDebounce = 250 * time.Millisecond

// Signal asks the state machine to start recording.
type Signal struct {
	Time   time.Time
	Device string
	Reason string
}

// Monitor classifies packets from trigger-role devices. It runs for as long
// as devices are bound, independent of the recording phase.
type Monitor struct {
	debounce time.Duration
	logger   *slog.Logger
	signals  chan Signal

	mu       sync.Mutex
	bindings map[string]device.Binding
	last     time.Time
	fired    uint64
}

// NewMonitor creates a monitor. A non-positive debounce selects
// DefaultDebounce.
func NewMonitor(debounce time.Duration) *Monitor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Monitor{
		debounce: debounce,
		logger:   slog.Default().With("component", "trigger"),
		signals:  make(chan Signal, 1),
		bindings: make(map[string]device.Binding),
	}
}

// SetBindings replaces the set of watched devices. Only bindings with the
// trigger role are kept.
func (m *Monitor) SetBindings(bindings []device.Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings = make(map[string]device.Binding)
	for _, b := range bindings {
		if b.IsTrigger() {
			m.bindings[b.ID] = b
		}
	}
	m.logger.Debug("Trigger devices bound", "count", len(m.bindings))
}

// Devices returns the ids of watched trigger devices.
func (m *Monitor) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.bindings))
	for id := range m.bindings {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Signals delivers start signals. The channel holds at most one pending
// signal; further triggers collapse into it.
func (m *Monitor) Signals() <-chan Signal {
	return m.signals
}

// Observe inspects one packet from deviceID and reports whether it was a
// trigger gesture. A start signal is emitted unless one fired within the
// debounce window.
func (m *Monitor) Observe(deviceID string, p device.Packet) bool {
	m.mu.Lock()
	b, ok := m.bindings[deviceID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	reason := classify(b, p.Data)
	if reason == "" {
		m.mu.Unlock()
		return false
	}
	if !m.last.IsZero() && p.Time.Sub(m.last) < m.debounce && p.Time.Sub(m.last) > -m.debounce {
		m.mu.Unlock()
		return true
	}
	m.last = p.Time
	m.fired++
	m.mu.Unlock()

	select {
	case m.signals <- Signal{Time: p.Time, Device: deviceID, Reason: reason}:
		m.logger.Debug("Trigger fired", "device", deviceID, "reason", reason)
	default:
		// A signal is already pending.
	}
	return true
}

// Fired returns the number of signals emitted, debounced ones excluded.
func (m *Monitor) Fired() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}

func classify(b device.Binding, raw []byte) string {
	if device.IsNoteOn(raw) {
		return "note-on"
	}
	if cc, value, ok := device.ControlChange(raw); ok && value > 0 && slices.Contains(b.TriggerCCs, cc) {
		return "control-change"
	}
	return ""
}

// IsGesture reports whether raw is a trigger gesture for b: a note-on or
// one of its configured control changes with a non-zero value.
func IsGesture(b device.Binding, raw []byte) bool {
	return classify(b, raw) != ""
}
