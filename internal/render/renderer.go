// Package render turns preview frames from the device into output writes
// and reports them as streaming pipeline events.
package render

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/logging"
	"github.com/smazurov/capturebridge/internal/metrics"
	"github.com/smazurov/capturebridge/internal/output"
)

// DefaultQueueSize is the number of preview frames buffered between the
// device callback and the render goroutine.
const DefaultQueueSize = 4

// Collector is the part of the capture collector the renderer reports to.
type Collector interface {
	PipelineStarted(p capture.Pipeline, timestamp time.Time) *capture.Unit
	PipelineProduced(p capture.Pipeline, u *capture.Unit, dropped ...capture.SinkID) (*capture.Unit, time.Time)
}

// Renderer consumes preview frames on its own goroutine. Enqueue never
// blocks; when the queue is full the oldest frame is dropped.
type Renderer struct {
	collector Collector
	outputs   func() *output.Set
	logger    logging.Logger

	queue     chan legacy.Frame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates and starts a renderer. outputs returns the currently
// configured sinks.
func New(collector Collector, outputs func() *output.Set, queueSize int, logger logging.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Renderer{
		collector: collector,
		outputs:   outputs,
		logger:    logger,
		queue:     make(chan legacy.Frame, queueSize),
		done:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Enqueue hands a preview frame to the render goroutine.
func (r *Renderer) Enqueue(f legacy.Frame) {
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.queue <- f:
		return
	default:
	}

	select {
	case <-r.queue:
		metrics.IncrementDroppedPreviewFrames()
		r.logger.Debug("Render queue full, dropped oldest frame")
	default:
	}

	select {
	case r.queue <- f:
	default:
		metrics.IncrementDroppedPreviewFrames()
	}
}

// Close stops the render goroutine. Queued frames are discarded.
func (r *Renderer) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Renderer) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case f := <-r.queue:
			r.render(f)
		}
	}
}

func (r *Renderer) render(f legacy.Frame) {
	u := r.collector.PipelineStarted(capture.Streaming, f.Timestamp)
	if u == nil {
		metrics.IncrementDroppedPreviewFrames()
		return
	}

	dropped := r.outputs().Deliver(u, capture.Streaming, output.Frame{
		FrameNumber: u.FrameNumber,
		Timestamp:   f.Timestamp,
		Data:        f.Data,
	})
	if len(dropped) > 0 {
		r.logger.Warn("Preview outputs unusable", "unit", u, "outputs", dropped)
	}

	if produced, _ := r.collector.PipelineProduced(capture.Streaming, u, dropped...); produced == nil {
		r.logger.Debug("Preview frame discarded", "unit", u)
	}
}
