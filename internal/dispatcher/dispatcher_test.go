package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/output"
	"github.com/smazurov/capturebridge/internal/requestqueue"
)

type recorder struct {
	mu      sync.Mutex
	calls   []string
	results map[int64]capture.Result
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) has(call string) bool {
	return slices.Contains(r.get(), call)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.get() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *recorder) result(frame int64) (capture.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[frame]
	return res, ok
}

func (r *recorder) OnError(code devicestate.ErrorCode, unit *capture.Unit, sink capture.SinkID) {
	frame := capture.NoFrame
	if unit != nil {
		frame = unit.FrameNumber
	}
	r.add("error:%s:%d:%s", code, frame, sink)
}
func (r *recorder) OnConfiguring() { r.add("configuring") }
func (r *recorder) OnIdle()        { r.add("idle") }
func (r *recorder) OnBusy()        { r.add("busy") }
func (r *recorder) OnCaptureStarted(unit *capture.Unit, _ time.Time) {
	r.add("started:%d", unit.FrameNumber)
}
func (r *recorder) OnCaptureResult(unit *capture.Unit, res capture.Result) {
	r.mu.Lock()
	if r.results == nil {
		r.results = make(map[int64]capture.Result)
	}
	r.results[unit.FrameNumber] = res
	r.mu.Unlock()
	r.add("result:%d", unit.FrameNumber)
}
func (r *recorder) OnRepeatingStopped(requestID int, last int64) {
	r.add("repeating-stopped:%d:%d", requestID, last)
}
func (r *recorder) OnRequestQueueEmpty() { r.add("queue-empty") }

type harness struct {
	d       *Dispatcher
	state   *devicestate.Machine
	rec     *recorder
	still   *output.MemorySink
	preview *output.MemorySink
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastSim() *legacy.Sim {
	return legacy.NewSim(legacy.SimConfig{
		FrameInterval: 5 * time.Millisecond,
		ShutterDelay:  2 * time.Millisecond,
		PictureDelay:  5 * time.Millisecond,
		Parameters:    legacy.DefaultSimConfig().Parameters,
	}, discard())
}

func newHarness(t *testing.T, dev legacy.Device, opts Options) *harness {
	t.Helper()
	rec := &recorder{}
	state := devicestate.New(rec, discard())
	opts.Logger = discard()
	d := New(dev, requestqueue.New(discard()), state, opts)
	d.Start(context.Background())
	t.Cleanup(func() {
		dev.Close()
		d.Stop()
		state.Close()
	})

	h := &harness{
		d:       d,
		state:   state,
		rec:     rec,
		still:   output.NewMemorySink("jpeg", capture.SinkStill),
		preview: output.NewMemorySink("viewfinder", capture.SinkPreview),
	}
	set, err := output.NewSet(h.still, h.preview)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Configure(ctx, set); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return h
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.d.WaitUntilIdle(ctx); err != nil {
		t.Fatalf("WaitUntilIdle() error = %v", err)
	}
	h.state.Sync()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func request(settings map[string]string, targets ...capture.Target) *capture.Request {
	return &capture.Request{Settings: settings, Targets: targets}
}

var (
	jpeg       = capture.Target{ID: "jpeg", Kind: capture.SinkStill}
	viewfinder = capture.Target{ID: "viewfinder", Kind: capture.SinkPreview}
)

func TestStillCaptureDeliversResult(t *testing.T) {
	sim := fastSim()
	h := newHarness(t, sim, Options{})

	h.d.Submit([]*capture.Request{request(map[string]string{"jpeg-quality": "80"}, jpeg)}, false)
	h.waitIdle(t)

	calls := h.rec.get()
	start := slices.Index(calls, "started:0")
	res := slices.Index(calls, "result:0")
	if start < 0 || res < start {
		t.Fatalf("calls = %v, want started:0 before result:0", calls)
	}
	if h.still.Frames() != 1 {
		t.Errorf("still frames = %d, want 1", h.still.Frames())
	}
	if f, _ := h.still.Last(); f.FrameNumber != 0 {
		t.Errorf("still frame number = %d, want 0", f.FrameNumber)
	}

	result, _ := h.rec.result(0)
	if result.Metadata["jpeg-quality"] != "80" {
		t.Errorf("result jpeg-quality = %q, want 80", result.Metadata["jpeg-quality"])
	}
	if sim.Parameters()["jpeg-quality"] != "80" {
		t.Errorf("device jpeg-quality = %q, want 80", sim.Parameters()["jpeg-quality"])
	}
	if h.state.State() != devicestate.StateIdle {
		t.Errorf("state = %s, want idle", h.state.State())
	}
}

func TestRepeatingPreviewUntilCancelled(t *testing.T) {
	h := newHarness(t, fastSim(), Options{})

	info := h.d.Submit([]*capture.Request{request(nil, viewfinder)}, true)
	waitFor(t, "five preview results", func() bool { return h.rec.count("result:") >= 5 })

	last := h.d.CancelRepeating(info.RequestID)
	if last < 4 {
		t.Fatalf("CancelRepeating() = %d, want at least 4", last)
	}
	h.waitIdle(t)

	for frame := int64(0); frame <= last; frame++ {
		if _, ok := h.rec.result(frame); !ok {
			t.Errorf("no result for frame %d", frame)
		}
	}
	if _, ok := h.rec.result(last + 1); ok {
		t.Errorf("result after last frame %d", last)
	}
	if h.preview.Frames() < int(last)+1 {
		t.Errorf("preview frames = %d, want at least %d", h.preview.Frames(), last+1)
	}
}

func TestDualTargetUnitFillsBothOutputs(t *testing.T) {
	h := newHarness(t, fastSim(), Options{})

	h.d.Submit([]*capture.Request{request(nil, viewfinder, jpeg)}, false)
	h.waitIdle(t)

	if !h.rec.has("result:0") {
		t.Fatalf("calls = %v, want result:0", h.rec.get())
	}
	if h.still.Frames() != 1 || h.preview.Frames() != 1 {
		t.Errorf("frames still=%d preview=%d, want 1 and 1", h.still.Frames(), h.preview.Frames())
	}
	if h.rec.count("error:") != 0 {
		t.Errorf("unexpected errors: %v", h.rec.get())
	}
}

func TestApplyFailureFailsOnlyThatUnit(t *testing.T) {
	sim := fastSim()
	h := newHarness(t, sim, Options{})

	sim.FailNextApply(errors.New("busy"))
	h.d.Submit([]*capture.Request{
		request(map[string]string{"jpeg-quality": "70"}, jpeg),
		request(map[string]string{"jpeg-quality": "60"}, jpeg),
	}, false)
	h.waitIdle(t)

	if !h.rec.has("error:REQUEST:0:") {
		t.Errorf("calls = %v, want REQUEST error for frame 0", h.rec.get())
	}
	if !h.rec.has("result:1") {
		t.Errorf("calls = %v, want result:1", h.rec.get())
	}
	if h.state.State() != devicestate.StateIdle {
		t.Errorf("state = %s, want idle", h.state.State())
	}
}

func TestInvalidSettingFailsUnit(t *testing.T) {
	h := newHarness(t, fastSim(), Options{})

	h.d.Submit([]*capture.Request{request(map[string]string{"jpeg-quality": "500"}, jpeg)}, false)
	h.waitIdle(t)

	if !h.rec.has("error:REQUEST:0:") {
		t.Errorf("calls = %v, want REQUEST error for frame 0", h.rec.get())
	}
	if h.still.Frames() != 0 {
		t.Errorf("still frames = %d, want 0", h.still.Frames())
	}
}

type countingDevice struct {
	*legacy.Sim
	applies atomic.Int32
}

func (c *countingDevice) ApplyParameters(p legacy.Parameters) error {
	c.applies.Add(1)
	return c.Sim.ApplyParameters(p)
}

func TestUnchangedParametersAreNotReapplied(t *testing.T) {
	dev := &countingDevice{Sim: fastSim()}
	h := newHarness(t, dev, Options{})

	req := request(map[string]string{"jpeg-quality": "75"}, viewfinder)
	info := h.d.Submit([]*capture.Request{req}, true)
	waitFor(t, "three results", func() bool { return h.rec.count("result:") >= 3 })
	h.d.CancelRepeating(info.RequestID)
	h.waitIdle(t)

	// Same values under a new request are translated but not applied.
	h.d.Submit([]*capture.Request{request(map[string]string{"jpeg-quality": "75"}, viewfinder)}, false)
	h.waitIdle(t)

	if got := dev.applies.Load(); got != 1 {
		t.Errorf("applies = %d, want 1", got)
	}
}

func TestResultsKeepParametersTheyWereCapturedWith(t *testing.T) {
	h := newHarness(t, fastSim(), Options{})

	h.d.Submit([]*capture.Request{
		request(map[string]string{"jpeg-quality": "50"}, viewfinder),
		request(map[string]string{"jpeg-quality": "55"}, viewfinder),
	}, false)
	h.waitIdle(t)

	for frame, want := range map[int64]string{0: "50", 1: "55"} {
		res, ok := h.rec.result(frame)
		if !ok {
			t.Fatalf("no result for frame %d", frame)
		}
		if res.FrameNumber != frame {
			t.Errorf("result frame = %d, want %d", res.FrameNumber, frame)
		}
		if got := res.Metadata["jpeg-quality"]; got != want {
			t.Errorf("frame %d jpeg-quality = %q, want %q", frame, got, want)
		}
	}
}

func TestAbandonedOutputStopsRepeatingBurst(t *testing.T) {
	h := newHarness(t, fastSim(), Options{})

	info := h.d.Submit([]*capture.Request{request(nil, viewfinder)}, true)
	waitFor(t, "two results", func() bool { return h.rec.count("result:") >= 2 })
	h.preview.Abandon()

	prefix := fmt.Sprintf("repeating-stopped:%d:", info.RequestID)
	waitFor(t, "repeating stopped", func() bool { return h.rec.count(prefix) == 1 })
	h.waitIdle(t)

	if h.rec.count("error:BUFFER:") == 0 {
		t.Errorf("calls = %v, want BUFFER errors", h.rec.get())
	}
	if h.rec.count(prefix) != 1 {
		t.Errorf("repeating stopped %d times, want 1", h.rec.count(prefix))
	}
	if h.state.State() == devicestate.StateError {
		t.Error("abandoned output must not put the device in error")
	}
}

func TestDroppedPictureReportsBufferError(t *testing.T) {
	sim := fastSim()
	h := newHarness(t, sim, Options{StillTimeout: 100 * time.Millisecond})

	sim.DropNextPicture()
	h.d.Submit([]*capture.Request{request(nil, jpeg)}, false)
	h.waitIdle(t)

	if !h.rec.has("error:BUFFER:0:jpeg") {
		t.Errorf("calls = %v, want BUFFER error for jpeg", h.rec.get())
	}
	if !h.rec.has("result:0") {
		t.Errorf("calls = %v, want result metadata for started unit", h.rec.get())
	}
	if h.state.State() != devicestate.StateIdle {
		t.Errorf("state = %s, want idle", h.state.State())
	}
}

func TestDeviceErrorMapping(t *testing.T) {
	tests := []struct {
		kind legacy.ErrorKind
		want devicestate.ErrorCode
	}{
		{legacy.ErrorEvicted, devicestate.ErrorDisconnected},
		{legacy.ErrorDisabled, devicestate.ErrorDisabled},
		{legacy.ErrorServerDied, devicestate.ErrorDevice},
		{legacy.ErrorUnknown, devicestate.ErrorDevice},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			sim := fastSim()
			h := newHarness(t, sim, Options{})

			sim.InjectError(tt.kind)
			waitFor(t, "error state", func() bool { return h.state.State() == devicestate.StateError })

			if h.state.Err() != tt.want {
				t.Errorf("Err() = %s, want %s", h.state.Err(), tt.want)
			}
			h.state.Sync()
			if !h.rec.has(fmt.Sprintf("error:%s:%d:", tt.want, capture.NoFrame)) {
				t.Errorf("calls = %v, want device error %s", h.rec.get(), tt.want)
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := h.d.Configure(ctx, h.d.Outputs()); !errors.Is(err, ErrDeviceError) {
				t.Errorf("Configure() error = %v, want ErrDeviceError", err)
			}
		})
	}
}

// silentPreview reports streaming but never produces a frame.
type silentPreview struct {
	*legacy.Sim
	streaming atomic.Bool
}

func (s *silentPreview) StartStreaming() error { s.streaming.Store(true); return nil }
func (s *silentPreview) StopStreaming() error  { s.streaming.Store(false); return nil }
func (s *silentPreview) Streaming() bool       { return s.streaming.Load() }

func TestCompletionTimeoutPolicy(t *testing.T) {
	opts := Options{RequestCompleteTimeout: 50 * time.Millisecond, StillTimeout: 50 * time.Millisecond}

	t.Run("fatal", func(t *testing.T) {
		h := newHarness(t, &silentPreview{Sim: fastSim()}, opts)

		h.d.Submit([]*capture.Request{request(nil, viewfinder)}, false)
		waitFor(t, "error state", func() bool { return h.state.State() == devicestate.StateError })
		h.state.Sync()

		if !h.rec.has("error:REQUEST:0:") {
			t.Errorf("calls = %v, want REQUEST error for frame 0", h.rec.get())
		}
		if h.state.Err() != devicestate.ErrorDevice {
			t.Errorf("Err() = %s, want DEVICE", h.state.Err())
		}
	})

	t.Run("recover", func(t *testing.T) {
		opts := opts
		opts.TimeoutPolicy = TimeoutRecover
		h := newHarness(t, &silentPreview{Sim: fastSim()}, opts)

		h.d.Submit([]*capture.Request{request(nil, viewfinder)}, false)
		h.waitIdle(t)

		if !h.rec.has("error:REQUEST:0:") {
			t.Errorf("calls = %v, want REQUEST error for frame 0", h.rec.get())
		}
		if h.state.State() != devicestate.StateIdle {
			t.Errorf("state = %s, want idle", h.state.State())
		}
	})
}

func TestFullWindowWaitsForOldestUnit(t *testing.T) {
	opts := Options{
		MaxInFlight:            2,
		AdmitTimeout:           30 * time.Millisecond,
		RequestCompleteTimeout: 300 * time.Millisecond,
		StillTimeout:           300 * time.Millisecond,
		TimeoutPolicy:          TimeoutRecover,
	}
	h := newHarness(t, &silentPreview{Sim: fastSim()}, opts)

	h.d.Submit([]*capture.Request{
		request(nil, viewfinder),
		request(nil, viewfinder),
		request(nil, viewfinder),
	}, false)
	h.waitIdle(t)

	calls := h.rec.get()
	oldest := slices.Index(calls, "error:REQUEST:0:")
	third := slices.Index(calls, "error:REQUEST:2:")
	if oldest < 0 || third < 0 {
		t.Fatalf("calls = %v, want REQUEST errors for frames 0 and 2", calls)
	}
	if third < oldest {
		t.Errorf("calls = %v, want frame 0 to time out before frame 2 fails", calls)
	}
	if h.state.State() != devicestate.StateIdle {
		t.Errorf("state = %s, want idle", h.state.State())
	}
}

func TestRepeatingPreviewEscalatesLostFrame(t *testing.T) {
	opts := Options{
		MaxInFlight:            2,
		AdmitTimeout:           20 * time.Millisecond,
		RequestCompleteTimeout: 100 * time.Millisecond,
		StillTimeout:           100 * time.Millisecond,
	}
	h := newHarness(t, &silentPreview{Sim: fastSim()}, opts)

	h.d.Submit([]*capture.Request{request(nil, viewfinder)}, true)
	waitFor(t, "error state", func() bool { return h.state.State() == devicestate.StateError })
	h.state.Sync()

	if h.state.Err() != devicestate.ErrorDevice {
		t.Errorf("Err() = %s, want DEVICE", h.state.Err())
	}
	calls := h.rec.get()
	if !slices.Contains(calls, "error:REQUEST:0:") {
		t.Errorf("calls = %v, want REQUEST error for frame 0", calls)
	}
	if slices.Contains(calls, "error:REQUEST:3:") {
		t.Errorf("calls = %v, want no unit past the window to fail before the timeout", calls)
	}
}

func TestFlushFailsInFlightUnits(t *testing.T) {
	opts := Options{RequestCompleteTimeout: 2 * time.Second}
	h := newHarness(t, &silentPreview{Sim: fastSim()}, opts)

	info := h.d.Submit([]*capture.Request{request(nil, viewfinder)}, true)
	// Units are admitted but never produced, so the worker blocks on the
	// oldest one.
	time.Sleep(50 * time.Millisecond)

	last := h.d.Flush()
	h.waitIdle(t)

	if last == capture.NoFrame {
		t.Fatalf("Flush() = NoFrame, want last frame of request %d", info.RequestID)
	}
	if h.rec.count("error:REQUEST:") == 0 {
		t.Errorf("calls = %v, want REQUEST errors for flushed units", h.rec.get())
	}
	if h.state.State() == devicestate.StateError {
		t.Error("flush must not put the device in error")
	}
}
