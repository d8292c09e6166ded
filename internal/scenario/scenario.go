// Package scenario runs scripted client sessions against the simulated
// legacy camera.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/capturebridge/internal/bridge"
	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/config"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/dispatcher"
	"github.com/smazurov/capturebridge/internal/events"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/logging"
	"github.com/smazurov/capturebridge/internal/output"
)

// Scenario is a scripted session.
type Scenario struct {
	Name    string              `toml:"name"`
	Device  Device              `toml:"device"`
	Bridge  Bridge              `toml:"bridge"`
	Outputs []config.OutputSpec `toml:"outputs"`
	Steps   []Step              `toml:"steps"`

	// ExpectError is the device error code the session must end with.
	// Empty means the device must not end in the error state.
	ExpectError string `toml:"expect_error"`
}

// Device configures the simulated camera.
type Device struct {
	FrameInterval string `toml:"frame_interval"`
	ShutterDelay  string `toml:"shutter_delay"`
	PictureDelay  string `toml:"picture_delay"`
}

// Bridge configures the dispatcher.
type Bridge struct {
	MaxInFlight            int    `toml:"max_in_flight"`
	StillTimeout           string `toml:"still_timeout"`
	PreviewFrameTimeout    string `toml:"preview_frame_timeout"`
	RequestCompleteTimeout string `toml:"request_complete_timeout"`
	AdmitTimeout           string `toml:"admit_timeout"`
	TimeoutPolicy          string `toml:"timeout_policy"`
}

// Step actions.
const (
	ActionSubmit      = "submit"
	ActionCancel      = "cancel"
	ActionFlush       = "flush"
	ActionWait        = "wait"
	ActionSleep       = "sleep"
	ActionConfigure   = "configure"
	ActionAbandon     = "abandon"
	ActionFailApply   = "fail_apply"
	ActionDropPicture = "drop_picture"
	ActionInjectError = "inject_error"
)

// Step is one client or fault injection action.
type Step struct {
	Action    string            `toml:"action"`
	Outputs   []string          `toml:"outputs"`
	Settings  map[string]string `toml:"settings"`
	Count     int               `toml:"count"`
	Repeating bool              `toml:"repeating"`
	Request   int               `toml:"request"`
	Output    string            `toml:"output"`
	Duration  string            `toml:"duration"`
	Timeout   string            `toml:"timeout"`
	Error     string            `toml:"error"`
}

// Report summarizes what the listener saw.
type Report struct {
	Started          int
	Results          int
	Errors           map[devicestate.ErrorCode]int
	RepeatingStopped int
	QueueEmpty       int
	FinalState       devicestate.State
	DeviceError      devicestate.ErrorCode
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := toml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = path
	}
	return &sc, nil
}

// Run plays sc against a fresh simulator and bridge. Every bus event is
// handed to onEvent, which may be nil.
func Run(ctx context.Context, sc *Scenario, onEvent func(any)) (Report, error) {
	logger := logging.GetLogger("scenario").With("scenario", sc.Name)

	sim := legacy.NewSim(simConfig(sc.Device), logging.GetLogger("legacy"))
	bus := events.New()
	if onEvent != nil {
		ch := make(chan any, 256)
		unsubscribe := events.SubscribeAll(bus, ch)
		stop, done := make(chan struct{}), make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case ev := <-ch:
					onEvent(ev)
				case <-stop:
					return
				}
			}
		}()
		defer func() {
			unsubscribe()
			close(stop)
			<-done
		}()
	}

	counter := newCounter(events.NewListener(bus))
	b := bridge.New(sim, counter, bridge.Options{
		Dispatcher: dispatcherOptions(sc.Bridge),
		Logger:     logging.GetLogger("bridge"),
	})
	defer b.Close()

	r := &runner{sc: sc, bridge: b, sim: sim, logger: logger}
	if err := r.configure(ctx); err != nil {
		return Report{}, err
	}
	for i, step := range sc.Steps {
		logger.Info("Running step", "index", i, "action", step.Action)
		if err := r.step(ctx, step); err != nil {
			return counter.report(b), fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}

	b.Sync()
	report := counter.report(b)
	return report, check(sc, report)
}

func check(sc *Scenario, r Report) error {
	switch {
	case sc.ExpectError == "" && r.FinalState == devicestate.StateError:
		return fmt.Errorf("device ended in error state %s", r.DeviceError)
	case sc.ExpectError != "" && string(r.DeviceError) != sc.ExpectError:
		return fmt.Errorf("device error = %q, want %q", r.DeviceError, sc.ExpectError)
	}
	return nil
}

type runner struct {
	sc     *Scenario
	bridge *bridge.Bridge
	sim    *legacy.Sim
	logger logging.Logger
}

func (r *runner) configure(ctx context.Context) error {
	set, err := config.OutputsFile{Outputs: r.sc.Outputs}.Set()
	if err != nil {
		return err
	}
	_, err = r.bridge.Configure(ctx, set)
	return err
}

func (r *runner) step(ctx context.Context, s Step) error {
	switch s.Action {
	case ActionSubmit:
		count := max(s.Count, 1)
		ids := make([]capture.SinkID, len(s.Outputs))
		for i, o := range s.Outputs {
			ids[i] = capture.SinkID(o)
		}
		burst := make([]bridge.CaptureRequest, count)
		for i := range burst {
			burst[i] = bridge.CaptureRequest{Settings: s.Settings, Outputs: ids}
		}
		info, err := r.bridge.Submit(burst, s.Repeating)
		if err != nil {
			return err
		}
		r.logger.Info("Submitted", "request_id", info.RequestID, "last_frame", info.LastFrameNumber)

	case ActionCancel:
		last := r.bridge.Cancel(s.Request)
		r.logger.Info("Cancelled", "request_id", s.Request, "last_frame", last)

	case ActionFlush:
		last, err := r.bridge.FlushAll()
		if err != nil {
			return err
		}
		r.logger.Info("Flushed", "last_frame", last)

	case ActionWait:
		ctx, cancel := context.WithTimeout(ctx, config.Duration(s.Timeout, 10*time.Second))
		defer cancel()
		err := r.bridge.WaitUntilIdle(ctx)
		if err != nil && r.sc.ExpectError != "" && bridge.CodeOf(err) == bridge.ErrCodeDeviceError {
			return nil
		}
		return err

	case ActionSleep:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.Duration(s.Duration, 100*time.Millisecond)):
		}

	case ActionConfigure:
		return r.configure(ctx)

	case ActionAbandon:
		sink, ok := r.bridge.Outputs().Get(capture.SinkID(s.Output))
		if !ok {
			return fmt.Errorf("unknown output %q", s.Output)
		}
		memory, ok := sink.(*output.MemorySink)
		if !ok {
			return fmt.Errorf("output %q cannot be abandoned", s.Output)
		}
		memory.Abandon()

	case ActionFailApply:
		msg := s.Error
		if msg == "" {
			msg = "injected parameter failure"
		}
		r.sim.FailNextApply(errors.New(msg))

	case ActionDropPicture:
		r.sim.DropNextPicture()

	case ActionInjectError:
		kind, err := parseErrorKind(s.Error)
		if err != nil {
			return err
		}
		r.sim.InjectError(kind)

	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

func parseErrorKind(name string) (legacy.ErrorKind, error) {
	for _, k := range []legacy.ErrorKind{legacy.ErrorUnknown, legacy.ErrorServerDied, legacy.ErrorEvicted, legacy.ErrorDisabled} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown device error %q", name)
}

func simConfig(d Device) legacy.SimConfig {
	def := legacy.DefaultSimConfig()
	return legacy.SimConfig{
		FrameInterval: config.Duration(d.FrameInterval, def.FrameInterval),
		ShutterDelay:  config.Duration(d.ShutterDelay, def.ShutterDelay),
		PictureDelay:  config.Duration(d.PictureDelay, def.PictureDelay),
		Parameters:    def.Parameters,
	}
}

func dispatcherOptions(b Bridge) dispatcher.Options {
	return dispatcher.Options{
		MaxInFlight:            b.MaxInFlight,
		StillTimeout:           config.Duration(b.StillTimeout, dispatcher.DefaultStillTimeout),
		PreviewFrameTimeout:    config.Duration(b.PreviewFrameTimeout, dispatcher.DefaultPreviewFrameTimeout),
		RequestCompleteTimeout: config.Duration(b.RequestCompleteTimeout, dispatcher.DefaultRequestCompleteTimeout),
		AdmitTimeout:           config.Duration(b.AdmitTimeout, 0),
		TimeoutPolicy:          dispatcher.TimeoutPolicy(b.TimeoutPolicy),
		Logger:                 logging.GetLogger("dispatcher"),
	}
}
