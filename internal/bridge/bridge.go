// Package bridge is the client-facing surface of the capture bridge. It owns
// the request queue, device state machine and dispatcher for one legacy
// device and translates client calls into their operations.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/dispatcher"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/logging"
	"github.com/smazurov/capturebridge/internal/output"
	"github.com/smazurov/capturebridge/internal/requestqueue"
)

// CaptureRequest is one request of a burst as submitted by a client.
type CaptureRequest struct {
	Settings map[string]string `json:"settings,omitempty" doc:"Capture settings overlaid on the device parameters"`
	Outputs  []capture.SinkID  `json:"outputs" minItems:"1" doc:"Configured output ids to fill"`
}

// SubmitInfo is returned for every accepted burst.
type SubmitInfo = requestqueue.SubmitInfo

// Options configures a Bridge.
type Options struct {
	Dispatcher dispatcher.Options

	// OnConfigured is called after every successful configure.
	OnConfigured func(session string, outputs []output.Info)

	// Logger for bridge operations. If nil, uses slog.Default().
	Logger logging.Logger
}

// sessionAware listeners are told the id of every configure session.
type sessionAware interface {
	SetSession(id string)
}

// Bridge is safe for concurrent use.
type Bridge struct {
	device     legacy.Device
	queue      *requestqueue.Queue
	state      *devicestate.Machine
	dispatcher *dispatcher.Dispatcher
	listener   devicestate.Listener
	opts       Options
	logger     logging.Logger

	configureMu sync.Mutex // serializes Configure

	mu      sync.RWMutex
	session string
	closed  bool
}

// New creates a bridge for device and starts its dispatcher. listener
// receives every device state callback on a dedicated goroutine.
func New(device legacy.Device, listener devicestate.Listener, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dispatcher.Logger == nil {
		opts.Dispatcher.Logger = logger
	}

	queue := requestqueue.New(logger)
	state := devicestate.New(listener, logger)
	b := &Bridge{
		device:     device,
		queue:      queue,
		state:      state,
		dispatcher: dispatcher.New(device, queue, state, opts.Dispatcher),
		listener:   listener,
		opts:       opts,
		logger:     logger,
	}
	b.dispatcher.Start(context.Background())
	return b
}

// Submit queues a burst. Every request needs at least one configured
// output.
func (b *Bridge) Submit(requests []CaptureRequest, repeating bool) (SubmitInfo, error) {
	if err := b.checkUsable(); err != nil {
		return SubmitInfo{}, err
	}
	if len(requests) == 0 {
		return SubmitInfo{}, NewError(ErrCodeInvalidRequest, "burst has no requests", nil)
	}

	outputs := b.dispatcher.Outputs()
	burst := make([]*capture.Request, 0, len(requests))
	for i, r := range requests {
		if len(r.Outputs) == 0 {
			return SubmitInfo{}, NewError(ErrCodeInvalidRequest, "request has no outputs", nil)
		}
		targets, err := outputs.Resolve(r.Outputs)
		if err != nil {
			return SubmitInfo{}, NewError(ErrCodeUnknownOutput, fmt.Sprintf("request %d", i), err)
		}
		burst = append(burst, &capture.Request{Settings: maps.Clone(r.Settings), Targets: targets})
	}

	info := b.dispatcher.Submit(burst, repeating)
	b.logger.Debug("Submitted burst", "request_id", info.RequestID, "requests", len(burst), "repeating", repeating, "last_frame", info.LastFrameNumber)
	return info, nil
}

// Cancel stops the repeating burst requestID and returns the last frame it
// will produce, or capture.NoFrame if it is not the current repeating burst
// or never ran.
func (b *Bridge) Cancel(requestID int) int64 {
	last := b.dispatcher.CancelRepeating(requestID)
	b.logger.Debug("Cancelled repeating burst", "request_id", requestID, "last_frame", last)
	return last
}

// Configure replaces the outputs. Repeating work is stopped and the
// dispatcher drained first. It returns the new session id.
func (b *Bridge) Configure(ctx context.Context, outputs *output.Set) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	if b.state.State() == devicestate.StateError {
		return "", b.deviceError()
	}

	b.configureMu.Lock()
	defer b.configureMu.Unlock()

	if last := b.queue.StopAnyRepeating(); last != capture.NoFrame {
		b.logger.Info("Stopped repeating burst for configure", "last_frame", last)
	}
	if err := b.dispatcher.WaitUntilIdle(ctx); err != nil {
		return "", b.wrap("waiting for idle before configure", err)
	}
	if err := b.dispatcher.Configure(ctx, outputs); err != nil {
		return "", b.wrap("configure", err)
	}

	session := uuid.NewString()
	b.mu.Lock()
	b.session = session
	b.mu.Unlock()
	if s, ok := b.listener.(sessionAware); ok {
		s.SetSession(session)
	}

	infos := outputs.Infos()
	b.logger.Info("Bridge configured", "session", session, "outputs", len(infos))
	if b.opts.OnConfigured != nil {
		b.opts.OnConfigured(session, infos)
	}
	return session, nil
}

// FlushAll stops any repeating burst and fails every unit in flight. It
// returns the last frame of the stopped repeating burst, or capture.NoFrame.
func (b *Bridge) FlushAll() (int64, error) {
	if err := b.checkUsable(); err != nil {
		return capture.NoFrame, err
	}
	return b.dispatcher.Flush(), nil
}

// WaitUntilIdle blocks until nothing is queued or in flight. It fails
// immediately when the device is in the error state.
func (b *Bridge) WaitUntilIdle(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if b.state.State() == devicestate.StateError {
		return b.deviceError()
	}
	if err := b.dispatcher.WaitUntilIdle(ctx); err != nil {
		return b.wrap("waiting for idle", err)
	}
	if b.state.State() == devicestate.StateError {
		return b.deviceError()
	}
	return nil
}

// State returns the device state.
func (b *Bridge) State() devicestate.State {
	return b.state.State()
}

// Err returns the code that put the device in the error state.
func (b *Bridge) Err() devicestate.ErrorCode {
	return b.state.Err()
}

// Session returns the id of the current configure session.
func (b *Bridge) Session() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Outputs returns the configured sinks.
func (b *Bridge) Outputs() *output.Set {
	return b.dispatcher.Outputs()
}

// Sync waits until every listener callback emitted so far was delivered.
func (b *Bridge) Sync() {
	b.state.Sync()
}

// Close fails everything in flight, stops the dispatcher and closes the
// device. Pending listener callbacks are delivered before it returns.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.dispatcher.Flush()
	b.dispatcher.Stop()
	err := b.device.Close()
	b.state.Close()
	b.logger.Info("Bridge closed")
	if err != nil {
		return NewError(ErrCodeDeviceError, "close device", err)
	}
	return nil
}

func (b *Bridge) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return NewError(ErrCodeClosed, "bridge closed", nil)
	}
	return nil
}

// checkUsable rejects work unless the bridge is open, configured and not in
// the error state.
func (b *Bridge) checkUsable() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	switch b.state.State() {
	case devicestate.StateError:
		return b.deviceError()
	case devicestate.StateUnconfigured:
		return NewError(ErrCodeNotConfigured, "no outputs configured", nil)
	}
	return nil
}

func (b *Bridge) deviceError() error {
	return NewError(ErrCodeDeviceError, "device in error state ("+string(b.state.Err())+")", nil)
}

func (b *Bridge) wrap(message string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewError(ErrCodeTimeout, message, err)
	case errors.Is(err, dispatcher.ErrStopped):
		return NewError(ErrCodeClosed, message, err)
	default:
		return NewError(ErrCodeDeviceError, message, err)
	}
}
