package events

import (
	"sync"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/devicestate"
)

// Listener publishes device state callbacks on the bus. It satisfies
// devicestate.Listener.
type Listener struct {
	bus *Bus

	mu      sync.RWMutex
	session string
}

// NewListener creates a listener publishing to bus.
func NewListener(bus *Bus) *Listener {
	return &Listener{bus: bus}
}

// SetSession tags subsequent state events with a configure session id.
func (l *Listener) SetSession(id string) {
	l.mu.Lock()
	l.session = id
	l.mu.Unlock()
}

// Session returns the current configure session id.
func (l *Listener) Session() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.session
}

func now() string {
	return time.Now().Format(time.RFC3339Nano)
}

func (l *Listener) state(name string) {
	l.bus.Publish(StateChangedEvent{State: name, Session: l.Session(), Timestamp: now()})
}

// OnError implements devicestate.Listener.
func (l *Listener) OnError(code devicestate.ErrorCode, unit *capture.Unit, sink capture.SinkID) {
	ev := CaptureErrorEvent{
		Code:        string(code),
		Fatal:       !code.Recoverable(),
		RequestID:   -1,
		FrameNumber: capture.NoFrame,
		Output:      string(sink),
		Timestamp:   now(),
	}
	if unit != nil {
		ev.RequestID = unit.RequestID
		ev.FrameNumber = unit.FrameNumber
	}
	l.bus.Publish(ev)
}

// OnConfiguring implements devicestate.Listener.
func (l *Listener) OnConfiguring() { l.state("configuring") }

// OnIdle implements devicestate.Listener.
func (l *Listener) OnIdle() { l.state("idle") }

// OnBusy implements devicestate.Listener.
func (l *Listener) OnBusy() { l.state("busy") }

// OnCaptureStarted implements devicestate.Listener.
func (l *Listener) OnCaptureStarted(unit *capture.Unit, timestamp time.Time) {
	l.bus.Publish(CaptureStartedEvent{
		RequestID:   unit.RequestID,
		FrameNumber: unit.FrameNumber,
		Timestamp:   timestamp.Format(time.RFC3339Nano),
	})
}

// OnCaptureResult implements devicestate.Listener.
func (l *Listener) OnCaptureResult(unit *capture.Unit, result capture.Result) {
	l.bus.Publish(CaptureResultEvent{
		RequestID:   unit.RequestID,
		FrameNumber: result.FrameNumber,
		Metadata:    result.Metadata,
		Timestamp:   result.Timestamp.Format(time.RFC3339Nano),
	})
}

// OnRepeatingStopped implements devicestate.Listener.
func (l *Listener) OnRepeatingStopped(requestID int, lastFrameNumber int64) {
	l.bus.Publish(RepeatingStoppedEvent{
		RequestID:       requestID,
		LastFrameNumber: lastFrameNumber,
		Timestamp:       now(),
	})
}

// OnRequestQueueEmpty implements devicestate.Listener.
func (l *Listener) OnRequestQueueEmpty() {
	l.bus.Publish(RequestQueueEmptyEvent{Timestamp: now()})
}
