package device

import (
	"sync"
	"time"
)

// EventKind classifies device events.
type EventKind string

// Event kinds.
const (
	EventState        EventKind = "state"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventInitialized  EventKind = "initialized"
)

// Error event types, carried in Event.Type for EventError.
const (
	ErrorTypeTransport  = "transport"
	ErrorTypeProtocol   = "protocol"
	ErrorTypeEncryption = "encryption"
	ErrorTypeException  = "exception"
)

// Event is emitted to subscribers of a device.
//
// State events carry the capability in Type, the channel index, the
// changed derived fields in Value and the provenance in Source. Error
// events carry one of the ErrorType values in Type and the cause in Err.
type Event struct {
	Kind      EventKind      `json:"kind"`
	DeviceID  string         `json:"device_id"`
	Type      string         `json:"type,omitempty"`
	Channel   int            `json:"channel"`
	Value     map[string]any `json:"value,omitempty"`
	Source    Source         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Err       error          `json:"-"`
}

// defaultEventBuffer is used when Subscribe is called with buffer <= 0.
const defaultEventBuffer = 64

// emitter fans events out to subscribers.
//
// Each subscriber has its own buffered channel so delivery is FIFO per
// subscriber. A full subscriber loses the new event; other subscribers
// are not affected.
type emitter struct {
	mu       sync.RWMutex
	subs     map[int]chan Event
	next     int
	deviceID string
	logger   Logger
	now      func() time.Time
}

// newEmitter returns an emitter stamping events with now, or the wall
// clock when now is nil.
func newEmitter(deviceID string, logger Logger, now func() time.Time) *emitter {
	if now == nil {
		now = time.Now
	}
	return &emitter{
		subs:     make(map[int]chan Event),
		deviceID: deviceID,
		logger:   logger,
		now:      now,
	}
}

func (e *emitter) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			close(ch)
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

func (e *emitter) emit(ev Event) {
	ev.DeviceID = e.deviceID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("event dropped, subscriber full",
				"device_id", e.deviceID,
				"kind", ev.Kind,
				"type", ev.Type,
			)
		}
	}
}
