package scenario

import (
	"sync"
	"time"

	"github.com/smazurov/capturebridge/internal/bridge"
	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/events"
)

// counter tallies listener callbacks before passing them on.
type counter struct {
	next *events.Listener

	mu sync.Mutex
	r  Report
}

func newCounter(next *events.Listener) *counter {
	return &counter{next: next, r: Report{Errors: make(map[devicestate.ErrorCode]int)}}
}

func (c *counter) add(update func(*Report)) {
	c.mu.Lock()
	update(&c.r)
	c.mu.Unlock()
}

func (c *counter) report(b *bridge.Bridge) Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.r
	r.Errors = make(map[devicestate.ErrorCode]int, len(c.r.Errors))
	for k, v := range c.r.Errors {
		r.Errors[k] = v
	}
	r.FinalState = b.State()
	r.DeviceError = b.Err()
	return r
}

func (c *counter) SetSession(id string) { c.next.SetSession(id) }

func (c *counter) OnError(code devicestate.ErrorCode, unit *capture.Unit, sink capture.SinkID) {
	c.add(func(r *Report) { r.Errors[code]++ })
	c.next.OnError(code, unit, sink)
}

func (c *counter) OnConfiguring() { c.next.OnConfiguring() }
func (c *counter) OnIdle()        { c.next.OnIdle() }
func (c *counter) OnBusy()        { c.next.OnBusy() }

func (c *counter) OnCaptureStarted(unit *capture.Unit, timestamp time.Time) {
	c.add(func(r *Report) { r.Started++ })
	c.next.OnCaptureStarted(unit, timestamp)
}

func (c *counter) OnCaptureResult(unit *capture.Unit, result capture.Result) {
	c.add(func(r *Report) { r.Results++ })
	c.next.OnCaptureResult(unit, result)
}

func (c *counter) OnRepeatingStopped(requestID int, lastFrameNumber int64) {
	c.add(func(r *Report) { r.RepeatingStopped++ })
	c.next.OnRepeatingStopped(requestID, lastFrameNumber)
}

func (c *counter) OnRequestQueueEmpty() {
	c.add(func(r *Report) { r.QueueEmpty++ })
	c.next.OnRequestQueueEmpty()
}
