package manager

import "github.com/nerrad567/meross-core/internal/device"

// EventSink receives device events after they have been persisted.
//
// HandleEvent runs on the device's event pump goroutine. Implementations
// must not block for long: a slow sink delays later events of the same
// device and eventually causes events to be dropped.
type EventSink interface {
	HandleEvent(d device.Device, ev device.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(d device.Device, ev device.Event)

// HandleEvent calls f(d, ev).
func (f EventSinkFunc) HandleEvent(d device.Device, ev device.Event) {
	f(d, ev)
}
