package panel

import (
	"sync"

	"go.uber.org/zap"
)

// Public event names crossing the UI bridge. These are wire identifiers and
// must not change.
const (
	EventSessionCreated       = "audio-session-created"
	EventSessionVolumeChanged = "audio-session-volume-changed"
	EventSessionStateChanged  = "session-state-changed"
	EventSessionClosed        = "audio-session-closed"
	EventExtensionAudioTabs   = "extension-audio-tabs"
)

// SessionSnapshot is the serialized form of a session record as the UI sees it
type SessionSnapshot struct {
	PID      uint32  `json:"pid"`
	UID      string  `json:"uid"`
	Name     string  `json:"name"`
	Volume   float32 `json:"volume"`
	IsMuted  bool    `json:"isMuted"`
	IsActive bool    `json:"is_active"`
}

func snapshotOf(record SessionRecord) SessionSnapshot {
	return SessionSnapshot{
		PID:      record.PID,
		UID:      record.SessionID,
		Name:     record.Name,
		Volume:   record.Volume,
		IsMuted:  record.Muted,
		IsActive: record.Active,
	}
}

// Event is a single typed broadcast towards the UI bridge
type Event interface {
	// EventName returns the public identifier the bridge broadcasts under
	EventName() string

	// EventPayload returns the value serialized across the bridge
	EventPayload() interface{}
}

// SessionCreatedEvent announces a newly tracked session
type SessionCreatedEvent struct {
	Session SessionSnapshot
}

func (e SessionCreatedEvent) EventName() string         { return EventSessionCreated }
func (e SessionCreatedEvent) EventPayload() interface{} { return e.Session }

// SessionVolumeChangedEvent reflects an OS-side volume or mute change
type SessionVolumeChangedEvent struct {
	UID       string  `json:"uid"`
	NewVolume float32 `json:"newVolume"`
	IsMuted   bool    `json:"isMuted"`
}

func (e SessionVolumeChangedEvent) EventName() string         { return EventSessionVolumeChanged }
func (e SessionVolumeChangedEvent) EventPayload() interface{} { return e }

// SessionStateChangedEvent reflects an active/inactive transition
type SessionStateChangedEvent struct {
	UID      string `json:"uid"`
	IsActive bool   `json:"is_active"`
}

func (e SessionStateChangedEvent) EventName() string         { return EventSessionStateChanged }
func (e SessionStateChangedEvent) EventPayload() interface{} { return e }

// SessionClosedEvent announces that a session expired or disconnected
type SessionClosedEvent struct {
	UID string
}

func (e SessionClosedEvent) EventName() string         { return EventSessionClosed }
func (e SessionClosedEvent) EventPayload() interface{} { return e.UID }

// ExtensionAudioTabsEvent carries the extension's latest full tab snapshot
type ExtensionAudioTabsEvent struct {
	Tabs []TabRecord
}

func (e ExtensionAudioTabsEvent) EventName() string         { return EventExtensionAudioTabs }
func (e ExtensionAudioTabsEvent) EventPayload() interface{} { return e.Tabs }

const eventBufferSize = 64

// EventBus fans typed events out to the UI bridge. Delivery is best-effort
// asynchronous: events are delivered in emission order per emitter, and a slow
// subscriber drops instead of blocking the emitter.
type EventBus struct {
	logger *zap.SugaredLogger

	lock      sync.Mutex
	consumers []chan Event
	dropped   uint64
}

func NewEventBus(logger *zap.SugaredLogger) *EventBus {
	return &EventBus{logger: logger.Named("events")}
}

// Subscribe returns a buffered channel receiving every subsequent event
func (b *EventBus) Subscribe() <-chan Event {
	ch := make(chan Event, eventBufferSize)

	b.lock.Lock()
	b.consumers = append(b.consumers, ch)
	b.lock.Unlock()

	return ch
}

// Publish delivers the event to all current subscribers without blocking
func (b *EventBus) Publish(event Event) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, consumer := range b.consumers {
		select {
		case consumer <- event:
		default:
			b.dropped++
			b.logger.Debugw("Dropped event for slow subscriber",
				"event", event.EventName(),
				"totalDropped", b.dropped)
		}
	}
}

// Close closes all subscriber channels. Publish must not be called afterwards.
func (b *EventBus) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, consumer := range b.consumers {
		close(consumer)
	}
	b.consumers = nil
}
