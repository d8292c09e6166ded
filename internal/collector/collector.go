// Package collector correlates asynchronous device events with the units
// that caused them.
//
// Every admitted unit waits in two FIFO queues per pipeline it needs: one
// for the capture-started event and one for the produced event. Device
// events carry no request identity, so each event is attributed to the head
// of the matching queue. A unit completes once every pipeline it needs has
// been produced or failed.
//
// Admission is bounded: a stalling unit waits until nothing is in flight,
// a streaming unit waits until fewer than maxInFlight units are in flight.
package collector

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/logging"
	"github.com/smazurov/capturebridge/internal/metrics"
)

// Notifier receives capture start and per-output failure reports.
// *devicestate.Machine satisfies it.
type Notifier interface {
	SetCaptureStart(unit *capture.Unit, timestamp time.Time, code devicestate.ErrorCode) bool
	SetCaptureResult(unit *capture.Unit, result *capture.Result, code devicestate.ErrorCode, sink capture.SinkID) bool
}

// Completion describes how a unit finished.
type Completion struct {
	Timestamp time.Time
	// Failed is set when the unit never started and a pipeline failed. No
	// result must be reported for it.
	Failed bool
	// Dropped lists target sinks that were not filled. A BUFFER error was
	// already reported for each.
	Dropped []capture.SinkID
}

var pipelines = [...]capture.Pipeline{capture.Stalling, capture.Streaming}

type holder struct {
	unit      *capture.Unit
	needs     [2]bool
	started   bool
	timestamp time.Time
	done      [2]bool
	failed    [2]bool
	dropped   []capture.SinkID
	result    Completion
}

func (h *holder) complete() bool {
	for _, p := range pipelines {
		if h.needs[p] && !h.done[p] {
			return false
		}
	}
	return true
}

// Collector is safe for concurrent use.
type Collector struct {
	mu             sync.Mutex
	isEmpty        *sync.Cond
	streamingEmpty *sync.Cond
	notFull        *sync.Cond
	done           *sync.Cond

	maxInFlight       int
	inFlight          int
	inFlightStreaming int

	started   [2][]*holder
	produced  [2][]*holder
	active    []*holder // admission order
	completed map[*capture.Unit]*holder

	notifier Notifier
	logger   logging.Logger
}

// New creates a collector allowing maxInFlight units in flight.
func New(maxInFlight int, notifier Notifier, logger logging.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	c := &Collector{
		maxInFlight: maxInFlight,
		completed:   make(map[*capture.Unit]*holder),
		notifier:    notifier,
		logger:      logger,
	}
	c.isEmpty = sync.NewCond(&c.mu)
	c.streamingEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	c.done = sync.NewCond(&c.mu)
	return c
}

// Admit blocks until u may be put in flight or timeout elapses. It returns
// false on timeout or if u needs no pipeline.
func (c *Collector) Admit(u *capture.Unit, timeout time.Duration) bool {
	if !u.Valid() {
		c.logger.Error("Refusing unit without outputs", "unit", u)
		return false
	}
	h := &holder{unit: u}
	for _, p := range pipelines {
		h.needs[p] = u.Needs(p)
	}

	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var ok bool
	if h.needs[capture.Stalling] {
		ok = c.waitFor(c.isEmpty, timeout, func() bool { return c.inFlight == 0 })
	} else {
		ok = c.waitFor(c.notFull, timeout, func() bool { return c.inFlight < c.maxInFlight })
	}
	metrics.ObserveAdmission(time.Since(start), ok)
	if !ok {
		c.logger.Warn("Timed out waiting for admission", "unit", u, "in_flight", c.inFlight, "timeout", timeout)
		return false
	}

	for _, p := range pipelines {
		if h.needs[p] {
			c.started[p] = append(c.started[p], h)
			c.produced[p] = append(c.produced[p], h)
		}
	}
	c.active = append(c.active, h)
	c.inFlight++
	if h.needs[capture.Streaming] {
		c.inFlightStreaming++
	}
	c.publishCounters()
	c.logger.Debug("Admitted unit", "unit", u, "in_flight", c.inFlight)
	return true
}

// PipelineStarted attributes a capture start on p to the oldest unit still
// waiting for one. The first start of a unit is reported to the notifier.
// Returns nil if no unit is waiting.
func (c *Collector) PipelineStarted(p capture.Pipeline, timestamp time.Time) *capture.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.popHead(&c.started[p])
	if h == nil {
		c.logger.Debug("Capture started with no unit waiting", "pipeline", p)
		return nil
	}
	if !h.started {
		h.started = true
		h.timestamp = timestamp
		c.notifier.SetCaptureStart(h.unit, timestamp, devicestate.ErrorNone)
	}
	return h.unit
}

// PipelineProduced attributes an output on p to u, which must be the
// oldest unit still waiting for one. dropped names sinks of p that could
// not be filled. Returns nil if u is no longer at the head, e.g. because
// a flush failed it after its capture started.
func (c *Collector) PipelineProduced(p capture.Pipeline, u *capture.Unit, dropped ...capture.SinkID) (*capture.Unit, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.produced[p]) == 0 {
		c.logger.Warn("Output produced with no unit waiting", "pipeline", p, "unit", u)
		return nil, time.Time{}
	}
	if c.produced[p][0].unit != u {
		c.logger.Warn("Output produced for a unit no longer waiting", "pipeline", p, "unit", u)
		return nil, time.Time{}
	}
	h := c.popHead(&c.produced[p])
	if c.remove(&c.started[p], h) {
		c.logger.Warn("Output produced before capture start", "unit", h.unit, "pipeline", p)
	}
	for _, t := range h.unit.Request.Targets {
		if t.Kind.Pipeline() == p && slices.Contains(dropped, t.ID) {
			h.dropped = append(h.dropped, t.ID)
		}
	}
	c.markDone(h, p, false)
	return h.unit, h.timestamp
}

// PipelineFailed fails p for the lowest-numbered unit still waiting on it.
func (c *Collector) PipelineFailed(p capture.Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var h *holder
	for _, q := range [][]*holder{c.started[p], c.produced[p]} {
		if len(q) > 0 && (h == nil || q[0].unit.FrameNumber < h.unit.FrameNumber) {
			h = q[0]
		}
	}
	if h == nil {
		c.logger.Warn("Pipeline failed with no unit waiting", "pipeline", p)
		return
	}
	c.remove(&c.started[p], h)
	c.remove(&c.produced[p], h)
	c.logger.Debug("Pipeline failed", "unit", h.unit, "pipeline", p)
	c.markDone(h, p, true)
}

// FailAll fails every admitted unit on every pipeline it still waits on.
func (c *Collector) FailAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active) > 0 {
		c.logger.Warn("Failing all in-flight units", "count", len(c.active))
	}
	for _, p := range pipelines {
		c.started[p] = nil
		c.produced[p] = nil
	}
	for _, h := range slices.Clone(c.active) {
		for _, p := range pipelines {
			if h.needs[p] {
				c.markDone(h, p, true)
			}
		}
	}
}

// AwaitEmpty waits until nothing is in flight.
func (c *Collector) AwaitEmpty(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitFor(c.isEmpty, timeout, func() bool { return c.inFlight == 0 })
}

// AwaitStreamingEmpty waits until no unit waits on the streaming pipeline.
func (c *Collector) AwaitStreamingEmpty(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitFor(c.streamingEmpty, timeout, func() bool { return c.inFlightStreaming == 0 })
}

// AwaitUnitCompleted waits for u to complete and claims it. A unit can be
// claimed once; on timeout nothing changes.
func (c *Collector) AwaitUnitCompleted(u *capture.Unit, timeout time.Duration) (Completion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := c.waitFor(c.done, timeout, func() bool {
		_, done := c.completed[u]
		return done
	})
	if !ok {
		return Completion{}, false
	}
	h := c.completed[u]
	delete(c.completed, u)
	return h.result, true
}

// waitFor must hold lock. It waits on cond until pred holds or timeout
// elapses.
func (c *Collector) waitFor(cond *sync.Cond, timeout time.Duration, pred func() bool) bool {
	if pred() {
		return true
	}
	if timeout <= 0 {
		return false
	}
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	for !pred() {
		if !time.Now().Before(deadline) {
			return false
		}
		cond.Wait()
	}
	return true
}

// markDone must hold lock.
func (c *Collector) markDone(h *holder, p capture.Pipeline, failed bool) {
	if h.done[p] {
		return
	}
	h.done[p] = true
	h.failed[p] = failed

	if p == capture.Streaming {
		c.inFlightStreaming--
		if c.inFlightStreaming < 0 {
			panic("collector: streaming completions exceed admissions")
		}
		if c.inFlightStreaming == 0 {
			c.streamingEmpty.Broadcast()
		}
	}
	if h.complete() {
		c.finish(h)
	} else {
		c.publishCounters()
	}
}

// finish must hold lock.
func (c *Collector) finish(h *holder) {
	failed := h.failed[capture.Stalling] || h.failed[capture.Streaming]
	h.result.Timestamp = h.timestamp

	outcome := metrics.OutcomeCompleted
	if !h.started {
		if !failed {
			c.logger.Warn("Unit produced without a capture start", "unit", h.unit)
		}
		h.result.Failed = true
		outcome = metrics.OutcomeFailed
		c.notifier.SetCaptureStart(h.unit, h.timestamp, devicestate.ErrorRequest)
	} else {
		for _, t := range h.unit.Request.Targets {
			if h.failed[t.Kind.Pipeline()] || slices.Contains(h.dropped, t.ID) {
				h.result.Dropped = append(h.result.Dropped, t.ID)
				c.notifier.SetCaptureResult(h.unit, nil, devicestate.ErrorBuffer, t.ID)
			}
		}
		if len(h.result.Dropped) > 0 {
			outcome = metrics.OutcomePartial
		}
	}
	metrics.IncrementUnits(outcome)

	c.remove(&c.active, h)
	c.completed[h.unit] = h
	c.inFlight--
	if c.inFlight < 0 {
		panic("collector: completions exceed admissions")
	}
	c.publishCounters()
	c.logger.Debug("Unit completed", "unit", h.unit, "outcome", outcome, "in_flight", c.inFlight)

	c.notFull.Broadcast()
	if c.inFlight == 0 {
		c.isEmpty.Broadcast()
	}
	c.done.Broadcast()
}

// publishCounters must hold lock.
func (c *Collector) publishCounters() {
	metrics.SetInFlight(c.inFlight, c.inFlightStreaming)
}

// popHead must hold lock.
func (c *Collector) popHead(q *[]*holder) *holder {
	if len(*q) == 0 {
		return nil
	}
	h := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	return h
}

// remove must hold lock.
func (c *Collector) remove(q *[]*holder, h *holder) bool {
	i := slices.Index(*q, h)
	if i < 0 {
		return false
	}
	*q = slices.Delete(*q, i, i+1)
	return true
}
