// Package devicestate tracks the bridged device lifecycle and notifies a
// Listener about every transition, capture start, result and error.
//
// Legal transitions:
//
//	unconfigured -> configuring
//	configuring  -> idle
//	idle         -> configuring | idle | capturing
//	capturing    -> idle | capturing
//	any          -> error
//
// Any other transition forces the error state. Error is absorbing: later
// calls are logged and otherwise ignored.
package devicestate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/logging"
	"github.com/smazurov/capturebridge/internal/metrics"
)

// Machine is safe for concurrent use. Listener calls never run on the
// caller's goroutine.
type Machine struct {
	mu        sync.Mutex
	state     State
	errorCode ErrorCode

	listener  Listener
	callbacks *callbackQueue
	logger    logging.Logger
}

// New creates a machine in the unconfigured state.
func New(listener Listener, logger logging.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:     StateUnconfigured,
		errorCode: ErrorNone,
		listener:  listener,
		callbacks: newCallbackQueue(),
		logger:    logger,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the code that moved the machine into the error state, or
// ErrorNone.
func (m *Machine) Err() ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCode
}

// SetConfiguring moves to configuring. Returns false if the machine is in
// the error state afterwards.
func (m *Machine) SetConfiguring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(StateConfiguring, nil, time.Time{}, ErrorNone)
	return m.state != StateError
}

// SetIdle moves to idle.
func (m *Machine) SetIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(StateIdle, nil, time.Time{}, ErrorNone)
	return m.state != StateError
}

// SetCaptureStart moves to capturing and reports that unit started at
// timestamp. A code other than ErrorNone is reported with OnError instead.
func (m *Machine) SetCaptureStart(unit *capture.Unit, timestamp time.Time, code ErrorCode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(StateCapturing, unit, timestamp, code)
	return m.state != StateError
}

// SetCaptureResult reports a result for unit, or an error with code for the
// given sink. It is only legal while capturing.
func (m *Machine) SetCaptureResult(unit *capture.Unit, result *capture.Result, code ErrorCode, sink capture.SinkID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateError {
		m.logger.Debug("Dropping capture result in error state", "unit", unit)
		return false
	}
	if m.state != StateCapturing {
		m.logger.Error("Capture result outside of capturing state", "state", m.state, "unit", unit)
		m.fail(ErrorDevice)
		return false
	}

	switch {
	case code != ErrorNone:
		m.notifyError(code, unit, sink)
	case result != nil:
		res := *result
		m.post(func(l Listener) { l.OnCaptureResult(unit, res) })
	default:
		m.logger.Warn("Capture result without metadata", "unit", unit)
	}
	return true
}

// SetError forces the error state with code.
func (m *Machine) SetError(code ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail(code)
}

// SetRepeatingRequestError reports that the repeating burst requestID was
// stopped by the bridge after lastFrameNumber.
func (m *Machine) SetRepeatingRequestError(requestID int, lastFrameNumber int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.post(func(l Listener) { l.OnRepeatingStopped(requestID, lastFrameNumber) })
}

// SetRequestQueueEmpty reports that the last queued one-shot burst was taken.
func (m *Machine) SetRequestQueueEmpty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.post(func(l Listener) { l.OnRequestQueueEmpty() })
}

// Sync waits until every notification emitted so far has been delivered.
func (m *Machine) Sync() {
	m.callbacks.sync()
}

// Close delivers pending notifications and stops the callback goroutine.
func (m *Machine) Close() {
	m.callbacks.close()
}

// transition must hold lock.
func (m *Machine) transition(next State, unit *capture.Unit, timestamp time.Time, code ErrorCode) {
	prev := m.state
	if prev == StateError {
		m.logger.Debug("Ignoring transition in error state", "requested", next)
		return
	}

	legal := false
	switch next {
	case StateConfiguring:
		legal = prev == StateUnconfigured || prev == StateIdle
	case StateIdle:
		legal = prev == StateConfiguring || prev == StateCapturing || prev == StateIdle
	case StateCapturing:
		legal = prev == StateIdle || prev == StateCapturing
	}
	if !legal {
		m.logger.Error("Illegal device state transition", "from", prev, "to", next)
		m.fail(ErrorDevice)
		return
	}

	if prev != next {
		m.logger.Debug("Device state transition", "from", prev, "to", next)
		metrics.RecordStateTransition(string(prev), string(next))
		if next != StateIdle {
			m.post(func(l Listener) { l.OnBusy() })
		}
	}
	m.state = next

	switch next {
	case StateConfiguring:
		if prev != next {
			m.post(func(l Listener) { l.OnConfiguring() })
		}
	case StateIdle:
		if prev != next {
			m.post(func(l Listener) { l.OnIdle() })
		}
	case StateCapturing:
		if code != ErrorNone {
			m.notifyError(code, unit, "")
		} else {
			m.post(func(l Listener) { l.OnCaptureStarted(unit, timestamp) })
		}
	}
}

// fail must hold lock.
func (m *Machine) fail(code ErrorCode) {
	if m.state == StateError {
		m.logger.Debug("Already in error state", "code", code)
		return
	}
	m.logger.Error("Device entering error state", "from", m.state, "code", code)
	metrics.RecordStateTransition(string(m.state), string(StateError))
	m.state = StateError
	m.errorCode = code
	m.notifyError(code, nil, "")
}

// notifyError must hold lock.
func (m *Machine) notifyError(code ErrorCode, unit *capture.Unit, sink capture.SinkID) {
	metrics.IncrementDeviceErrors(string(code))
	m.post(func(l Listener) { l.OnError(code, unit, sink) })
}

// post must hold lock so notifications keep emission order.
func (m *Machine) post(fn func(Listener)) {
	if m.listener == nil {
		return
	}
	l := m.listener
	m.callbacks.post(func() { fn(l) })
}
