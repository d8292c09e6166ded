package legacy

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type handlerEvents struct {
	mu       sync.Mutex
	frames   int
	shutters int
	pictures [][]byte
	errs     []ErrorKind

	picture chan struct{}
	shutter chan struct{}
	errCh   chan struct{}
}

func newHandlerEvents() *handlerEvents {
	return &handlerEvents{
		picture: make(chan struct{}, 4),
		shutter: make(chan struct{}, 4),
		errCh:   make(chan struct{}, 4),
	}
}

func (h *handlerEvents) OnShutter(time.Time) {
	h.mu.Lock()
	h.shutters++
	h.mu.Unlock()
	h.shutter <- struct{}{}
}

func (h *handlerEvents) OnFrameAvailable(Frame) {
	h.mu.Lock()
	h.frames++
	h.mu.Unlock()
}

func (h *handlerEvents) OnPictureData(data []byte) {
	h.mu.Lock()
	h.pictures = append(h.pictures, data)
	h.mu.Unlock()
	h.picture <- struct{}{}
}

func (h *handlerEvents) OnError(kind ErrorKind) {
	h.mu.Lock()
	h.errs = append(h.errs, kind)
	h.mu.Unlock()
	h.errCh <- struct{}{}
}

func (h *handlerEvents) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}

func fastSim(t *testing.T) (*Sim, *handlerEvents) {
	t.Helper()
	sim := NewSim(SimConfig{
		FrameInterval: 2 * time.Millisecond,
		ShutterDelay:  time.Millisecond,
		PictureDelay:  time.Millisecond,
		Parameters:    Parameters{"jpeg-quality": "90"},
	}, testLogger())
	h := newHandlerEvents()
	sim.SetHandler(h)
	t.Cleanup(func() { sim.Close() })
	return sim, h
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestPreviewDeliversFramesUntilStopped(t *testing.T) {
	sim, h := fastSim(t)

	if err := sim.StartStreaming(); err != nil {
		t.Fatalf("StartStreaming() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.frameCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no preview frames")
		}
		time.Sleep(time.Millisecond)
	}

	if err := sim.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming() error = %v", err)
	}
	stopped := h.frameCount()
	time.Sleep(20 * time.Millisecond)
	if h.frameCount() != stopped {
		t.Error("frames delivered after StopStreaming returned")
	}
	if sim.Streaming() {
		t.Error("Streaming() true after stop")
	}
}

func TestTriggerOneShotRequiresPreview(t *testing.T) {
	sim, _ := fastSim(t)
	if err := sim.TriggerOneShot(); !errors.Is(err, ErrPreviewNotRunning) {
		t.Errorf("TriggerOneShot() error = %v, want ErrPreviewNotRunning", err)
	}
}

func TestTriggerOneShotStopsPreviewAndDelivers(t *testing.T) {
	sim, h := fastSim(t)
	if err := sim.StartStreaming(); err != nil {
		t.Fatal(err)
	}
	if err := sim.TriggerOneShot(); err != nil {
		t.Fatalf("TriggerOneShot() error = %v", err)
	}
	if sim.Streaming() {
		t.Error("preview still running after picture trigger")
	}
	wait(t, h.shutter, "shutter")
	wait(t, h.picture, "picture")

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pictures) != 1 || string(h.pictures[0]) != "jpeg 1" {
		t.Errorf("pictures = %q", h.pictures)
	}
}

func TestDropNextPicture(t *testing.T) {
	sim, h := fastSim(t)
	sim.DropNextPicture()
	if err := sim.StartStreaming(); err != nil {
		t.Fatal(err)
	}
	if err := sim.TriggerOneShot(); err != nil {
		t.Fatal(err)
	}
	wait(t, h.shutter, "shutter")

	select {
	case <-h.picture:
		t.Fatal("dropped picture was delivered")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestFailNextApply(t *testing.T) {
	sim, _ := fastSim(t)
	boom := errors.New("boom")
	sim.FailNextApply(boom)

	if err := sim.ApplyParameters(Parameters{"a": "1"}); !errors.Is(err, boom) {
		t.Fatalf("ApplyParameters() error = %v, want boom", err)
	}
	if _, ok := sim.Parameters()["a"]; ok {
		t.Error("failed apply changed parameters")
	}
	if err := sim.ApplyParameters(Parameters{"a": "1"}); err != nil {
		t.Fatalf("second ApplyParameters() error = %v", err)
	}
	if sim.Parameters()["a"] != "1" {
		t.Error("parameters not applied")
	}
}

func TestInjectError(t *testing.T) {
	sim, h := fastSim(t)
	sim.InjectError(ErrorEvicted)
	wait(t, h.errCh, "error")

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) != 1 || h.errs[0] != ErrorEvicted {
		t.Errorf("errors = %v", h.errs)
	}
}

func TestClosedDevice(t *testing.T) {
	sim, _ := fastSim(t)
	if err := sim.StartStreaming(); err != nil {
		t.Fatal(err)
	}
	if err := sim.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sim.StartStreaming(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartStreaming() after close = %v", err)
	}
	if err := sim.ApplyParameters(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("ApplyParameters() after close = %v", err)
	}
}

func TestParametersFlattenRoundTrip(t *testing.T) {
	p := Parameters{"b": "2", "a": "1", "c": "x"}
	flat := p.Flatten()
	if flat != "a=1;b=2;c=x" {
		t.Fatalf("Flatten() = %q", flat)
	}
	back, err := Unflatten(flat)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Same(p) {
		t.Errorf("Unflatten() = %v", back)
	}
	if _, err := Unflatten("novalue"); err == nil {
		t.Error("Unflatten accepted malformed input")
	}
}

func TestMapTranslator(t *testing.T) {
	var tr MapTranslator
	current := Parameters{"jpeg-quality": "90", "preview-size": "640x480"}

	tests := []struct {
		name     string
		settings map[string]string
		want     Parameters
		wantErr  bool
	}{
		{"no settings", nil, current, false},
		{"overlay", map[string]string{"jpeg-quality": "50"}, Parameters{"jpeg-quality": "50", "preview-size": "640x480"}, false},
		{"new key", map[string]string{"flash-mode": "on"}, Parameters{"jpeg-quality": "90", "preview-size": "640x480", "flash-mode": "on"}, false},
		{"bad quality", map[string]string{"jpeg-quality": "500"}, nil, true},
		{"separator in value", map[string]string{"scene": "a;b"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.ToLegacyParameters(&capture.Request{Settings: tt.settings}, current)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Same(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
	if current["jpeg-quality"] != "90" {
		t.Error("translator modified current parameters")
	}

	ts := time.Unix(0, 1234)
	res := tr.ToResultMetadata(current, &capture.Request{}, ts)
	if !res.Timestamp.Equal(ts) || res.Metadata["preview-size"] != "640x480" {
		t.Errorf("metadata = %v", res.Metadata)
	}
}
