package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/capturebridge/internal/logging"
)

// SimConfig configures the simulated camera.
type SimConfig struct {
	FrameInterval time.Duration // between preview frames
	ShutterDelay  time.Duration // trigger to shutter callback
	PictureDelay  time.Duration // shutter to picture data
	Parameters    Parameters    // initial parameters
}

// DefaultSimConfig returns roughly 30 fps preview and a fast still path.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		FrameInterval: 33 * time.Millisecond,
		ShutterDelay:  20 * time.Millisecond,
		PictureDelay:  60 * time.Millisecond,
		Parameters: Parameters{
			"preview-size": "1280x720",
			"picture-size": "1920x1080",
			"jpeg-quality": "90",
		},
	}
}

// Sim is an in-process camera that behaves like a legacy device: preview
// runs on a ticker, a picture stops preview and reports shutter then data.
type Sim struct {
	cfg    SimConfig
	logger logging.Logger

	mu          sync.Mutex
	handler     Handler
	params      Parameters
	streaming   bool
	stopPreview context.CancelFunc
	previewDone chan struct{}
	picturing   bool
	closed      bool
	frames      int64
	pictures    int64

	failNextApply   error
	dropNextPicture bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSim creates a simulated device.
func NewSim(cfg SimConfig, logger logging.Logger) *Sim {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultSimConfig().FrameInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sim{
		cfg:    cfg,
		logger: logger,
		params: cfg.Parameters.Clone(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler implements Device.
func (s *Sim) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// ApplyParameters implements Device.
func (s *Sim) ApplyParameters(p Parameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.failNextApply; err != nil {
		s.failNextApply = nil
		return fmt.Errorf("apply parameters: %w", err)
	}
	s.params = p.Clone()
	s.logger.Debug("Applied parameters", "parameters", s.params.Flatten())
	return nil
}

// Parameters implements Device.
func (s *Sim) Parameters() Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// StartStreaming implements Device.
func (s *Sim) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.streaming {
		return nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.streaming = true
	s.stopPreview = cancel
	s.previewDone = done
	s.logger.Debug("Preview started")

	go s.previewLoop(ctx, done)
	return nil
}

// StopStreaming implements Device. No frame is delivered after it returns.
func (s *Sim) StopStreaming() error {
	s.mu.Lock()
	stop, done := s.stopPreviewLocked()
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
		s.logger.Debug("Preview stopped")
	}
	return nil
}

// stopPreviewLocked must hold lock.
func (s *Sim) stopPreviewLocked() (context.CancelFunc, chan struct{}) {
	if !s.streaming {
		return nil, nil
	}
	stop, done := s.stopPreview, s.previewDone
	s.streaming = false
	s.stopPreview = nil
	s.previewDone = nil
	return stop, done
}

// Streaming implements Device.
func (s *Sim) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// TriggerOneShot implements Device.
func (s *Sim) TriggerOneShot() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.streaming {
		s.mu.Unlock()
		return ErrPreviewNotRunning
	}
	if s.picturing {
		s.mu.Unlock()
		return ErrPictureInProgress
	}
	s.picturing = true
	drop := s.dropNextPicture
	s.dropNextPicture = false
	s.pictures++
	n := s.pictures
	stop, done := s.stopPreviewLocked()
	s.mu.Unlock()

	stop()
	<-done

	s.wg.Add(1)
	go s.takePicture(n, drop)
	return nil
}

// Close implements Device.
func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop, done := s.stopPreviewLocked()
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// FailNextApply makes the next ApplyParameters call fail with err.
func (s *Sim) FailNextApply(err error) {
	s.mu.Lock()
	s.failNextApply = err
	s.mu.Unlock()
}

// DropNextPicture makes the next picture report a shutter but no data.
func (s *Sim) DropNextPicture() {
	s.mu.Lock()
	s.dropNextPicture = true
	s.mu.Unlock()
}

// InjectError delivers an asynchronous device error.
func (s *Sim) InjectError(kind ErrorKind) {
	h := s.currentHandler()
	if h == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.OnError(kind)
	}()
}

func (s *Sim) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Sim) previewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h := s.currentHandler()
			if h == nil {
				continue
			}
			s.mu.Lock()
			s.frames++
			n := s.frames
			s.mu.Unlock()
			h.OnFrameAvailable(Frame{Timestamp: now, Data: fmt.Appendf(nil, "preview %d", n)})
		}
	}
}

func (s *Sim) takePicture(n int64, drop bool) {
	defer s.wg.Done()

	shutter := s.sleep(s.cfg.ShutterDelay)
	if h := s.currentHandler(); shutter && h != nil {
		h.OnShutter(time.Now())
	}
	deliver := shutter && !drop && s.sleep(s.cfg.PictureDelay)

	// A new picture may be triggered from inside OnPictureData.
	s.mu.Lock()
	s.picturing = false
	s.mu.Unlock()

	if drop {
		s.logger.Warn("Dropping picture data", "picture", n)
	}
	if h := s.currentHandler(); deliver && h != nil {
		h.OnPictureData(fmt.Appendf(nil, "jpeg %d", n))
	}
}

func (s *Sim) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
