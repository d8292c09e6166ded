package scenario

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/events"
)

const fastDevice = `
[device]
frame_interval = "5ms"
shutter_delay = "2ms"
picture_delay = "5ms"

[[outputs]]
id = "jpeg"
kind = "still"

[[outputs]]
id = "preview"
kind = "preview"
`

func load(t *testing.T, body string) *Scenario {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.toml")
	if err := os.WriteFile(path, []byte(body+fastDevice), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return sc
}

func run(t *testing.T, sc *Scenario, onEvent func(any)) (Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return Run(ctx, sc, onEvent)
}

func TestLoad(t *testing.T) {
	sc := load(t, `
name = "stills"
expect_error = "DISCONNECTED"

[bridge]
max_in_flight = 3
timeout_policy = "recover"

[[steps]]
action = "submit"
outputs = ["jpeg"]
count = 2
settings = { jpeg-quality = "80" }
`)
	if sc.Name != "stills" || sc.ExpectError != "DISCONNECTED" {
		t.Errorf("header = %q/%q", sc.Name, sc.ExpectError)
	}
	if sc.Device.FrameInterval != "5ms" || sc.Bridge.MaxInFlight != 3 || sc.Bridge.TimeoutPolicy != "recover" {
		t.Errorf("device/bridge = %+v %+v", sc.Device, sc.Bridge)
	}
	if len(sc.Outputs) != 2 || sc.Outputs[1].ID != "preview" {
		t.Errorf("outputs = %+v", sc.Outputs)
	}
	if len(sc.Steps) != 1 {
		t.Fatalf("steps = %+v", sc.Steps)
	}
	step := sc.Steps[0]
	if step.Action != ActionSubmit || step.Count != 2 || step.Settings["jpeg-quality"] != "80" {
		t.Errorf("step = %+v", step)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadDefaultsName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unnamed.toml")
	if err := os.WriteFile(path, []byte(fastDevice), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Name != path {
		t.Errorf("Name = %q, want the path", sc.Name)
	}
}

func TestRunStillBurst(t *testing.T) {
	sc := load(t, `
[[steps]]
action = "submit"
outputs = ["jpeg"]
count = 3

[[steps]]
action = "wait"
`)
	report, err := run(t, sc, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Started != 3 || report.Results != 3 {
		t.Errorf("report = %+v, want 3 starts and 3 results", report)
	}
	if len(report.Errors) != 0 {
		t.Errorf("errors = %v", report.Errors)
	}
	if report.QueueEmpty != 1 {
		t.Errorf("queue empty = %d, want 1", report.QueueEmpty)
	}
	if report.FinalState != devicestate.StateIdle {
		t.Errorf("final state = %s, want idle", report.FinalState)
	}
}

func TestRunRepeatingCancel(t *testing.T) {
	sc := load(t, `
[[steps]]
action = "submit"
outputs = ["preview"]
repeating = true

[[steps]]
action = "sleep"
duration = "60ms"

[[steps]]
action = "cancel"
request = 0

[[steps]]
action = "wait"
`)
	report, err := run(t, sc, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Results < 2 {
		t.Errorf("results = %d, want a few preview frames", report.Results)
	}
	if report.FinalState != devicestate.StateIdle {
		t.Errorf("final state = %s, want idle", report.FinalState)
	}
}

func TestRunInjectedEviction(t *testing.T) {
	sc := load(t, `
expect_error = "DISCONNECTED"

[[steps]]
action = "inject_error"
error = "evicted"

[[steps]]
action = "sleep"
duration = "50ms"

[[steps]]
action = "wait"
`)
	var mu sync.Mutex
	var kinds []string
	report, err := run(t, sc, func(ev any) {
		mu.Lock()
		defer mu.Unlock()
		switch e := ev.(type) {
		case events.StateChangedEvent:
			kinds = append(kinds, "state:"+e.State)
		case events.CaptureErrorEvent:
			kinds = append(kinds, "error:"+e.Code)
		}
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.FinalState != devicestate.StateError || report.DeviceError != devicestate.ErrorDisconnected {
		t.Errorf("final = %s/%s, want error/DISCONNECTED", report.FinalState, report.DeviceError)
	}
	if report.Errors[devicestate.ErrorDisconnected] == 0 {
		t.Errorf("errors = %v", report.Errors)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := strings.Join(kinds, ",")
		mu.Unlock()
		if strings.Contains(got, "error:DISCONNECTED") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events = %s, want error:DISCONNECTED", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunUnexpectedDeviceError(t *testing.T) {
	sc := load(t, `
[[steps]]
action = "inject_error"
error = "disabled"

[[steps]]
action = "sleep"
duration = "50ms"
`)
	_, err := run(t, sc, nil)
	if err == nil || !strings.Contains(err.Error(), "DISABLED") {
		t.Errorf("Run() error = %v, want device error DISABLED", err)
	}
}

func TestRunStepErrors(t *testing.T) {
	tests := map[string]string{
		"unknown action": "[[steps]]\naction = \"teleport\"\n",
		"unknown error":  "[[steps]]\naction = \"inject_error\"\nerror = \"melted\"\n",
		"unknown output": "[[steps]]\naction = \"submit\"\noutputs = [\"raw\"]\n",
		"bad abandon":    "[[steps]]\naction = \"abandon\"\noutput = \"raw\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, load(t, body), nil)
			if err == nil || !strings.Contains(err.Error(), "step 0") {
				t.Errorf("Run() error = %v, want a step 0 failure", err)
			}
		})
	}
}

func TestRunRejectsEmptyOutputs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.toml")
	if err := os.WriteFile(path, []byte("name = \"bare\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, sc, nil); err == nil {
		t.Error("expected an error without outputs")
	}
}
