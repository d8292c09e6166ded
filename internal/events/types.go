package events

import "github.com/smazurov/capturebridge/internal/metrics"

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeCaptureStarted
	TypeCaptureResult
	TypeCaptureError
	TypeRepeatingStopped
	TypeRequestQueueEmpty
	TypeOutputsConfigured
	TypeBridgeStats
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChangedEvent is published when the device becomes busy, idle or
// starts configuring.
type StateChangedEvent struct {
	State     string `json:"state" example:"idle" doc:"One of busy, idle, configuring"`
	Session   string `json:"session,omitempty" doc:"Configure session identifier"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StateChangedEvent.
func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// CaptureStartedEvent is published when a unit starts exposing.
type CaptureStartedEvent struct {
	RequestID   int    `json:"request_id" example:"3" doc:"Burst request identifier"`
	FrameNumber int64  `json:"frame_number" example:"42" doc:"Frame number of the unit"`
	Timestamp   string `json:"timestamp" example:"2025-01-27T10:30:00.123Z" doc:"Sensor timestamp"`
}

// Type returns the event type identifier for CaptureStartedEvent.
func (e CaptureStartedEvent) Type() uint32 { return TypeCaptureStarted }

// CaptureResultEvent carries the result metadata of a unit.
type CaptureResultEvent struct {
	RequestID   int               `json:"request_id" example:"3" doc:"Burst request identifier"`
	FrameNumber int64             `json:"frame_number" example:"42" doc:"Frame number of the unit"`
	Metadata    map[string]string `json:"metadata" doc:"Parameters the unit was captured with"`
	Timestamp   string            `json:"timestamp" example:"2025-01-27T10:30:00.123Z" doc:"Sensor timestamp"`
}

// Type returns the event type identifier for CaptureResultEvent.
func (e CaptureResultEvent) Type() uint32 { return TypeCaptureResult }

// CaptureErrorEvent reports a device, unit or output error. FrameNumber is
// -1 for device errors.
type CaptureErrorEvent struct {
	Code        string `json:"code" example:"BUFFER" doc:"Error code"`
	Fatal       bool   `json:"fatal" doc:"Whether the device is now in the error state"`
	RequestID   int    `json:"request_id" doc:"Burst request identifier, -1 for device errors"`
	FrameNumber int64  `json:"frame_number" example:"42" doc:"Frame number, -1 for device errors"`
	Output      string `json:"output,omitempty" example:"jpeg" doc:"Output that was not filled"`
	Timestamp   string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CaptureErrorEvent.
func (e CaptureErrorEvent) Type() uint32 { return TypeCaptureError }

// RepeatingStoppedEvent is published when the bridge stops a repeating burst
// on its own, for example because an output was abandoned.
type RepeatingStoppedEvent struct {
	RequestID       int    `json:"request_id" example:"3" doc:"Stopped burst"`
	LastFrameNumber int64  `json:"last_frame_number" example:"57" doc:"Last frame the burst produced"`
	Timestamp       string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for RepeatingStoppedEvent.
func (e RepeatingStoppedEvent) Type() uint32 { return TypeRepeatingStopped }

// RequestQueueEmptyEvent is published when the last queued one-shot burst
// was taken by the dispatcher.
type RequestQueueEmptyEvent struct {
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for RequestQueueEmptyEvent.
func (e RequestQueueEmptyEvent) Type() uint32 { return TypeRequestQueueEmpty }

// OutputsConfiguredEvent is published after a successful configure.
type OutputsConfiguredEvent struct {
	Session   string   `json:"session" doc:"Configure session identifier"`
	Outputs   []string `json:"outputs" doc:"Configured output ids"`
	Timestamp string   `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for OutputsConfiguredEvent.
func (e OutputsConfiguredEvent) Type() uint32 { return TypeOutputsConfigured }

// BridgeStatsEvent is a periodic snapshot of the bridge counters.
type BridgeStatsEvent struct {
	EventType string `json:"type"`
	metrics.Stats
}

// Type returns the event type identifier for BridgeStatsEvent.
func (e BridgeStatsEvent) Type() uint32 { return TypeBridgeStats }
