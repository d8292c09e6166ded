// Package dispatcher runs the single worker that drives the legacy device.
//
// The worker takes bursts from the request queue, applies parameters,
// admits each unit to the collector and starts the device operations the
// unit needs. Streaming units are left in flight up to the configured
// window and claimed in order; a stalling unit is captured and claimed on
// its own. Results go to the device state machine.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/collector"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/logging"
	"github.com/smazurov/capturebridge/internal/output"
	"github.com/smazurov/capturebridge/internal/render"
	"github.com/smazurov/capturebridge/internal/requestqueue"
)

// Errors returned by Configure.
var (
	ErrStopped     = errors.New("dispatcher stopped")
	ErrDeviceError = errors.New("device in error state")
)

type configureCmd struct {
	outputs *output.Set
	done    chan error
}

// inflight is a streaming unit waiting to be claimed, with the parameters it
// was captured with.
type inflight struct {
	unit   *capture.Unit
	params legacy.Parameters
}

// Dispatcher owns the device. Only its worker goroutine calls device
// methods other than SetHandler.
type Dispatcher struct {
	opts      Options
	logger    logging.Logger
	device    legacy.Device
	queue     *requestqueue.Queue
	state     *devicestate.Machine
	collector *collector.Collector
	renderer  *render.Renderer
	outputs   atomic.Pointer[output.Set]

	wake      chan struct{}
	configure chan configureCmd

	idleMu sync.Mutex
	idle   bool
	idleCh chan struct{} // closed while idle

	stillMu       sync.Mutex
	stillUnit     *capture.Unit
	stillReceived chan struct{}

	// frames up to flushed fail instead of being admitted
	flushed atomic.Int64

	fatalOnce sync.Once
	fatalCh   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}

	// worker state
	configured  bool
	pending     []inflight
	lastRequest *capture.Request
	params      legacy.Parameters
	cache       resultCache
}

// New creates a dispatcher and registers it as the device handler. Call
// Start to run the worker.
func New(device legacy.Device, queue *requestqueue.Queue, state *devicestate.Machine, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		opts:          opts,
		logger:        logger,
		device:        device,
		queue:         queue,
		state:         state,
		collector:     collector.New(opts.MaxInFlight, state, logger),
		wake:          make(chan struct{}, 1),
		configure:     make(chan configureCmd),
		idleCh:        make(chan struct{}),
		stillReceived: make(chan struct{}, 1),
		fatalCh:       make(chan struct{}),
		stopped:       make(chan struct{}),
		params:        device.Parameters(),
	}
	d.flushed.Store(capture.NoFrame)
	empty, _ := output.NewSet()
	d.outputs.Store(empty)
	d.renderer = render.New(d.collector, d.outputs.Load, opts.RenderQueueSize, logger)
	device.SetHandler(d)
	return d
}

// Start runs the worker until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run()
}

// Stop stops the worker and fails everything still in flight.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	// Wake a worker blocked on a unit, then fail whatever it admitted last.
	d.collector.FailAll()
	d.wg.Wait()
	d.collector.FailAll()
	d.renderer.Close()
}

// Submit queues a burst and wakes the worker.
func (d *Dispatcher) Submit(requests []*capture.Request, repeating bool) requestqueue.SubmitInfo {
	d.idleMu.Lock()
	info := d.queue.Submit(requests, repeating)
	d.markBusyLocked()
	d.idleMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return info
}

// CancelRepeating stops the repeating burst requestID and returns the last
// frame it will produce. Units already in flight complete normally.
func (d *Dispatcher) CancelRepeating(requestID int) int64 {
	return d.queue.StopRepeating(requestID)
}

// Flush stops any repeating burst and fails every unit in flight. Queued
// one-shot bursts still run.
func (d *Dispatcher) Flush() int64 {
	last := d.queue.StopAnyRepeating()
	if last != capture.NoFrame {
		d.flushed.Store(last)
	}
	d.collector.FailAll()
	d.logger.Info("Flushed in-flight units", "last_frame", last)
	return last
}

// Configure replaces the output set on the worker goroutine. The caller
// should stop repeating work and wait for idle first.
func (d *Dispatcher) Configure(ctx context.Context, outputs *output.Set) error {
	d.idleMu.Lock()
	d.markBusyLocked()
	d.idleMu.Unlock()

	cmd := configureCmd{outputs: outputs, done: make(chan error, 1)}
	select {
	case d.configure <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
	select {
	case err := <-cmd.done:
		return err
	case <-d.stopped:
		return ErrStopped
	}
}

// Outputs returns the configured sinks.
func (d *Dispatcher) Outputs() *output.Set {
	return d.outputs.Load()
}

// WaitUntilIdle blocks until the worker has no queued or in-flight work.
func (d *Dispatcher) WaitUntilIdle(ctx context.Context) error {
	for {
		d.idleMu.Lock()
		if d.idle {
			d.idleMu.Unlock()
			return nil
		}
		ch := d.idleCh
		d.idleMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopped:
			return ErrStopped
		}
	}
}

// markBusyLocked must hold idleMu.
func (d *Dispatcher) markBusyLocked() {
	if d.idle {
		d.idle = false
		d.idleCh = make(chan struct{})
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	defer close(d.stopped)

	for {
		select {
		case <-d.ctx.Done():
			return
		case cmd := <-d.configure:
			d.doConfigure(cmd)
			continue
		default:
		}

		entry, ok := d.queue.Next()
		if !ok {
			if !d.goIdle() {
				continue
			}
			select {
			case <-d.ctx.Done():
				return
			case <-d.wake:
			case cmd := <-d.configure:
				d.doConfigure(cmd)
			}
			continue
		}

		if entry.QueueEmptied {
			d.state.SetRequestQueueEmpty()
		}
		d.runBurst(entry)
	}
}

// goIdle drains in-flight work and marks the worker idle unless new work
// arrived meanwhile.
func (d *Dispatcher) goIdle() bool {
	d.claimPending()
	if !d.collector.AwaitEmpty(d.opts.StillTimeout) {
		d.logger.Error("Timed out waiting for in-flight units to drain", "timeout", d.opts.StillTimeout)
		d.collector.FailAll()
		d.onTimeout()
	}

	d.idleMu.Lock()
	defer d.idleMu.Unlock()
	if d.queue.Len() > 0 || d.queue.HasRepeating() {
		return false
	}
	if !d.idle {
		d.idle = true
		close(d.idleCh)
		if d.configured {
			d.state.SetIdle()
		}
		d.logger.Debug("Dispatcher idle")
	}
	return true
}

func (d *Dispatcher) doConfigure(cmd configureCmd) {
	d.claimPending()
	if !d.collector.AwaitEmpty(d.opts.StillTimeout) {
		d.logger.Error("Timed out draining before configure", "timeout", d.opts.StillTimeout)
		d.collector.FailAll()
		d.onTimeout()
	}

	if d.configured && !d.state.SetIdle() {
		cmd.done <- ErrDeviceError
		return
	}
	if !d.state.SetConfiguring() {
		cmd.done <- ErrDeviceError
		return
	}
	if err := d.device.StopStreaming(); err != nil {
		d.logger.Warn("Failed to stop preview for configure", "error", err)
	}
	d.outputs.Store(cmd.outputs)
	d.lastRequest = nil
	d.cache = resultCache{}
	d.configured = true
	d.logger.Info("Configured outputs", "count", cmd.outputs.Len())

	d.state.SetIdle()
	cmd.done <- nil
}

// onTimeout applies the timeout policy after in-flight units were failed.
func (d *Dispatcher) onTimeout() {
	if d.opts.TimeoutPolicy == TimeoutRecover {
		d.logger.Warn("Continuing after timeout")
		return
	}
	d.fatal(devicestate.ErrorDevice)
}

// fatal stops repeating work, fails everything in flight and moves the
// device to the error state. Safe from any goroutine.
func (d *Dispatcher) fatal(code devicestate.ErrorCode) {
	d.queue.StopAnyRepeating()
	d.collector.FailAll()
	d.state.SetError(code)
	d.fatalOnce.Do(func() { close(d.fatalCh) })
}
