package dispatcher

import (
	"maps"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/collector"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/metrics"
	"github.com/smazurov/capturebridge/internal/requestqueue"
)

// resultCache holds the last translated result metadata.
type resultCache struct {
	request *capture.Request
	params  legacy.Parameters
	result  *capture.Result
}

func (d *Dispatcher) runBurst(entry requestqueue.Entry) {
	if d.state.State() == devicestate.StateError {
		d.logger.Debug("Discarding burst in error state", "request_id", entry.Burst.RequestID)
		if entry.Burst.Repeating {
			d.queue.StopRepeating(entry.Burst.RequestID)
		}
		return
	}

	for _, u := range entry.Units() {
		if d.ctx.Err() != nil || d.state.State() == devicestate.StateError {
			return
		}
		d.runUnit(u)
	}
}

func (d *Dispatcher) runUnit(u *capture.Unit) {
	if !d.applyParameters(u) {
		d.failUnit(u)
		return
	}
	params := d.params

	stalling := u.Needs(capture.Stalling)
	if stalling {
		d.claimPending()
	} else {
		d.claimCompleted()
		// A full window waits on its oldest unit rather than on admission.
		for len(d.pending) >= d.opts.MaxInFlight {
			d.claimOldest()
		}
	}

	if u.FrameNumber <= d.flushed.Load() {
		d.logger.Debug("Failing flushed unit", "unit", u)
		d.failUnit(u)
		return
	}
	if !d.collector.Admit(u, d.opts.AdmitTimeout) {
		d.failUnit(u)
		return
	}
	if u.FrameNumber <= d.flushed.Load() {
		// Flushed while waiting for admission.
		d.collector.FailAll()
		d.claim(inflight{unit: u, params: params})
		return
	}

	if err := d.ensureStreaming(); err != nil {
		d.logger.Error("Failed to start preview", "unit", u, "error", err)
		d.fatal(devicestate.ErrorDevice)
		d.claim(inflight{unit: u, params: params})
		return
	}

	if !stalling {
		d.pending = append(d.pending, inflight{unit: u, params: params})
		d.claimCompleted()
		return
	}
	d.captureStill(u)
	d.claim(inflight{unit: u, params: params})
}

// applyParameters translates u's request and applies the result if it
// differs from what the device has. Returns false if the unit must fail.
func (d *Dispatcher) applyParameters(u *capture.Unit) bool {
	if u.Request == d.lastRequest {
		metrics.IncrementParameterApplies(metrics.ApplyUnchanged)
		return true
	}

	next, err := d.opts.Parameters.ToLegacyParameters(u.Request, d.params)
	if err != nil {
		d.logger.Warn("Cannot translate request", "unit", u, "error", err)
		metrics.IncrementParameterApplies(metrics.ApplyFailed)
		return false
	}
	if next.Same(d.params) {
		d.lastRequest = u.Request
		metrics.IncrementParameterApplies(metrics.ApplyUnchanged)
		return true
	}

	// Units already in flight keep the parameters they were captured with.
	if err := d.device.ApplyParameters(next); err != nil {
		d.logger.Warn("Failed to apply parameters", "unit", u, "error", err)
		d.lastRequest = nil
		metrics.IncrementParameterApplies(metrics.ApplyFailed)
		return false
	}
	d.params = d.device.Parameters()
	d.lastRequest = u.Request
	metrics.IncrementParameterApplies(metrics.ApplyChanged)
	d.logger.Debug("Applied parameters", "unit", u, "parameters", d.params.Flatten())
	return true
}

// failUnit reports a unit that never reached the collector.
func (d *Dispatcher) failUnit(u *capture.Unit) {
	metrics.IncrementUnits(metrics.OutcomeFailed)
	d.state.SetCaptureStart(u, time.Time{}, devicestate.ErrorRequest)
}

func (d *Dispatcher) ensureStreaming() error {
	if d.device.Streaming() {
		return nil
	}
	return d.device.StartStreaming()
}

// captureStill takes a picture for u, which is the only unit in flight.
func (d *Dispatcher) captureStill(u *capture.Unit) {
	if u.Needs(capture.Streaming) {
		// The picture stops preview, so the preview outputs are served first.
		for !d.collector.AwaitStreamingEmpty(d.opts.PreviewFrameTimeout) {
			d.logger.Warn("Timed out waiting for preview frame", "unit", u)
			d.collector.PipelineFailed(capture.Streaming)
		}
	}

	d.stillMu.Lock()
	d.stillUnit = u
	d.stillMu.Unlock()
	select {
	case <-d.stillReceived:
	default:
	}
	defer func() {
		d.stillMu.Lock()
		d.stillUnit = nil
		d.stillMu.Unlock()
	}()

	if err := d.device.TriggerOneShot(); err != nil {
		d.logger.Error("Failed to take picture", "unit", u, "error", err)
		d.collector.PipelineFailed(capture.Stalling)
		return
	}

	timer := time.NewTimer(d.opts.StillTimeout)
	defer timer.Stop()
	select {
	case <-d.stillReceived:
	case <-d.fatalCh:
	case <-d.ctx.Done():
	case <-timer.C:
		d.logger.Error("Timed out waiting for picture", "unit", u, "timeout", d.opts.StillTimeout)
		d.collector.PipelineFailed(capture.Stalling)
	}
}

func (d *Dispatcher) claimPending() {
	for len(d.pending) > 0 {
		d.claimOldest()
	}
}

// claimCompleted reports pending units that already completed, in order.
func (d *Dispatcher) claimCompleted() {
	for len(d.pending) > 0 {
		done, ok := d.collector.AwaitUnitCompleted(d.pending[0].unit, 0)
		if !ok {
			return
		}
		d.report(d.popPending(), done)
	}
}

func (d *Dispatcher) claimOldest() {
	d.claim(d.popPending())
}

func (d *Dispatcher) popPending() inflight {
	next := d.pending[0]
	d.pending[0] = inflight{}
	d.pending = d.pending[1:]
	return next
}

// claim waits for the unit to complete and reports its result.
func (d *Dispatcher) claim(f inflight) {
	u := f.unit
	if d.ctx.Err() != nil {
		d.collector.FailAll()
	}
	done, ok := d.collector.AwaitUnitCompleted(u, d.opts.RequestCompleteTimeout)
	if !ok {
		d.logger.Error("Timed out waiting for unit to complete", "unit", u, "timeout", d.opts.RequestCompleteTimeout)
		d.collector.FailAll()
		d.onTimeout()
		if done, ok = d.collector.AwaitUnitCompleted(u, 0); !ok {
			d.logger.Error("Unit missing after failing all", "unit", u)
			return
		}
	}
	d.report(f, done)
}

// report forwards the result of a claimed unit unless it failed.
func (d *Dispatcher) report(f inflight, done collector.Completion) {
	if done.Failed {
		return
	}
	u := f.unit
	if len(done.Dropped) > 0 && u.Repeating {
		d.stopAbandonedRepeating(u, done.Dropped)
	}
	result := d.result(u, f.params, done.Timestamp)
	d.state.SetCaptureResult(u, &result, devicestate.ErrorNone, "")
}

// stopAbandonedRepeating stops a repeating burst whose outputs can no
// longer be written.
func (d *Dispatcher) stopAbandonedRepeating(u *capture.Unit, dropped []capture.SinkID) {
	set := d.outputs.Load()
	abandoned := false
	for _, id := range dropped {
		sink, ok := set.Get(id)
		if !ok || sink.Abandoned() {
			abandoned = true
			break
		}
	}
	if !abandoned {
		return
	}

	last := d.queue.StopRepeating(u.RequestID)
	if last == capture.NoFrame {
		return
	}
	d.logger.Warn("Stopped repeating burst with abandoned outputs", "request_id", u.RequestID, "last_frame", last, "outputs", dropped)
	metrics.IncrementRepeatingStopped()
	d.state.SetRepeatingRequestError(u.RequestID, last)
}

// result returns the metadata for u, reusing the previous translation while
// the request and parameters are unchanged.
func (d *Dispatcher) result(u *capture.Unit, params legacy.Parameters, timestamp time.Time) capture.Result {
	c := &d.cache
	if c.result == nil || c.request != u.Request || !c.params.Same(params) {
		r := d.opts.Results.ToResultMetadata(params, u.Request, timestamp)
		c.request = u.Request
		c.params = params
		c.result = &r
	}
	res := *c.result
	res.FrameNumber = u.FrameNumber
	res.Timestamp = timestamp
	res.Metadata = maps.Clone(c.result.Metadata)
	return res
}
