package devicestate

import (
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
)

// State is the lifecycle state of the bridged device.
type State string

// Device states.
const (
	StateUnconfigured State = "unconfigured" // No outputs configured yet
	StateConfiguring  State = "configuring"  // Outputs being changed
	StateIdle         State = "idle"         // Configured, nothing in flight
	StateCapturing    State = "capturing"    // At least one unit started
	StateError        State = "error"        // Absorbing
)

// ErrorCode classifies an error notification.
type ErrorCode string

// Error codes. DISCONNECTED, DISABLED, DEVICE and SERVICE are device-fatal;
// REQUEST, RESULT and BUFFER only affect one unit or one output.
const (
	ErrorNone         ErrorCode = "NONE"
	ErrorDisconnected ErrorCode = "DISCONNECTED"
	ErrorDisabled     ErrorCode = "DISABLED"
	ErrorDevice       ErrorCode = "DEVICE"
	ErrorService      ErrorCode = "SERVICE"
	ErrorRequest      ErrorCode = "REQUEST"
	ErrorResult       ErrorCode = "RESULT"
	ErrorBuffer       ErrorCode = "BUFFER"
)

// Recoverable reports whether the code is scoped to a single unit or output.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ErrorRequest, ErrorResult, ErrorBuffer:
		return true
	}
	return false
}

// Listener receives device notifications. Calls arrive on one goroutine in
// the order they were emitted.
type Listener interface {
	// OnError reports an error. unit is nil and sink empty for device errors;
	// sink is set only for ErrorBuffer.
	OnError(code ErrorCode, unit *capture.Unit, sink capture.SinkID)
	OnConfiguring()
	OnIdle()
	OnBusy()
	OnCaptureStarted(unit *capture.Unit, timestamp time.Time)
	OnCaptureResult(unit *capture.Unit, result capture.Result)
	OnRepeatingStopped(requestID int, lastFrameNumber int64)
	OnRequestQueueEmpty()
}
