package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards events of type T into ch for select-based
// consumers such as SSE handlers. Events are dropped while ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

// SubscribeAll forwards every bridge event into ch and returns a single
// unsubscribe function.
func SubscribeAll(bus *Bus, ch chan<- any) func() {
	unsubscribers := []func(){
		SubscribeToChannel[StateChangedEvent](bus, ch),
		SubscribeToChannel[CaptureStartedEvent](bus, ch),
		SubscribeToChannel[CaptureResultEvent](bus, ch),
		SubscribeToChannel[CaptureErrorEvent](bus, ch),
		SubscribeToChannel[RepeatingStoppedEvent](bus, ch),
		SubscribeToChannel[RequestQueueEmptyEvent](bus, ch),
		SubscribeToChannel[OutputsConfiguredEvent](bus, ch),
		SubscribeToChannel[BridgeStatsEvent](bus, ch),
	}
	return func() {
		for _, unsub := range unsubscribers {
			unsub()
		}
	}
}

// SSETypes maps SSE event names to their payload types.
func SSETypes() map[string]any {
	return map[string]any{
		"state-changed":       StateChangedEvent{},
		"capture-started":     CaptureStartedEvent{},
		"capture-result":      CaptureResultEvent{},
		"capture-error":       CaptureErrorEvent{},
		"repeating-stopped":   RepeatingStoppedEvent{},
		"request-queue-empty": RequestQueueEmptyEvent{},
		"outputs-configured":  OutputsConfiguredEvent{},
		"bridge-stats":        BridgeStatsEvent{},
	}
}
