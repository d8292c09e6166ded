package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(CaptureResultEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event is generic, so the concrete type picks the channel
	switch e := ev.(type) {
	case StateChangedEvent:
		event.Publish(b.dispatcher, e)
	case CaptureStartedEvent:
		event.Publish(b.dispatcher, e)
	case CaptureResultEvent:
		event.Publish(b.dispatcher, e)
	case CaptureErrorEvent:
		event.Publish(b.dispatcher, e)
	case RepeatingStoppedEvent:
		event.Publish(b.dispatcher, e)
	case RequestQueueEmptyEvent:
		event.Publish(b.dispatcher, e)
	case OutputsConfiguredEvent:
		event.Publish(b.dispatcher, e)
	case BridgeStatsEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function
// The handler type determines which events it receives
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e CaptureResultEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(StateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureResultEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RepeatingStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RequestQueueEmptyEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(OutputsConfiguredEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(BridgeStatsEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}
