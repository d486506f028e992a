// Package events carries lifecycle notifications from the recording engine
// to the application boundary (HTTP websocket clients, CLI output).
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names an event kind on the wire.
type Type string

const (
	RecordingStarted      Type = "recording-started"
	RecordingStopped      Type = "recording-stopped"
	RecordingStateChanged Type = "recording-state-changed"
	RescanProgress        Type = "rescan-progress"
	DeviceLost            Type = "device-lost"
	SessionRepaired       Type = "session-repaired"
)

// Event is a single notification. Payload is JSON-encodable and depends on
// the type: session metadata for recording-stopped, a phase change for
// recording-state-changed, a Progress for rescan-progress.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// StateChange is the payload of recording-state-changed.
type StateChange struct {
	From      string `json:"from"`
	To        string `json:"to"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Progress is the payload of rescan-progress.
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Current string `json:"current,omitempty"`
}

// DeviceLoss is the payload of device-lost.
type DeviceLoss struct {
	Device    string `json:"device"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that does not keep up misses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel depth. The
// returned cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(depth int) (<-chan Event, func()) {
	if depth < 1 {
		depth = 1
	}
	ch := make(chan Event, depth)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("Event subscriber is slow, dropping event", "subscriber", id, "type", ev.Type)
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(t Type, payload any) {
	b.Publish(Event{Type: t, Time: time.Now(), Payload: payload})
}
