package dispatcher

import (
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/output"
)

// OnShutter implements legacy.Handler.
func (d *Dispatcher) OnShutter(timestamp time.Time) {
	if u := d.collector.PipelineStarted(capture.Stalling, timestamp); u == nil {
		d.logger.Warn("Shutter with no picture pending")
	}
}

// OnFrameAvailable implements legacy.Handler.
func (d *Dispatcher) OnFrameAvailable(f legacy.Frame) {
	d.renderer.Enqueue(f)
}

// OnPictureData implements legacy.Handler.
func (d *Dispatcher) OnPictureData(data []byte) {
	d.stillMu.Lock()
	u := d.stillUnit
	d.stillUnit = nil
	d.stillMu.Unlock()

	if u == nil {
		d.logger.Warn("Picture data with no picture pending", "bytes", len(data))
		return
	}

	dropped := d.outputs.Load().Deliver(u, capture.Stalling, output.Frame{
		FrameNumber: u.FrameNumber,
		Timestamp:   time.Now(),
		Data:        data,
	})
	if len(dropped) > 0 {
		d.logger.Warn("Still outputs unusable", "unit", u, "outputs", dropped)
	}
	if produced, _ := d.collector.PipelineProduced(capture.Stalling, u, dropped...); produced == nil {
		d.logger.Debug("Picture discarded", "unit", u)
	}

	select {
	case d.stillReceived <- struct{}{}:
	default:
	}
}

// OnError implements legacy.Handler.
func (d *Dispatcher) OnError(kind legacy.ErrorKind) {
	code := devicestate.ErrorDevice
	switch kind {
	case legacy.ErrorEvicted:
		code = devicestate.ErrorDisconnected
	case legacy.ErrorDisabled:
		code = devicestate.ErrorDisabled
	}
	d.logger.Error("Device reported an error", "kind", kind, "code", code)
	d.fatal(code)
}
