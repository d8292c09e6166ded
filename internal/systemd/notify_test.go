package systemd

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/smazurov/capturebridge/internal/events"
)

type sink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sink) notify(state string) (bool, error) {
	s.mu.Lock()
	s.msgs = append(s.msgs, state)
	s.mu.Unlock()
	return true, nil
}

func (s *sink) count(state string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m == state {
			n++
		}
	}
	return n
}

func (s *sink) has(state string) bool { return s.count(state) > 0 }

func newTestNotifier(bus *events.Bus, healthy func() bool) (*Notifier, *sink) {
	s := &sink{}
	n := NewNotifier(bus, healthy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.notify = s.notify
	return n, s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifierReadyStatusAndStopping(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	bus := events.New()
	n, s := newTestNotifier(bus, nil)

	n.Start(context.Background())
	if !s.has(daemon.SdNotifyReady) {
		t.Fatal("READY not sent on start")
	}

	bus.Publish(events.StateChangedEvent{State: "busy"})
	eventually(t, func() bool { return s.has("STATUS=device busy") })

	bus.Publish(events.CaptureErrorEvent{Code: "BUFFER"})
	bus.Publish(events.CaptureErrorEvent{Code: "DISCONNECTED", Fatal: true})
	eventually(t, func() bool { return s.has("STATUS=device error DISCONNECTED") })
	if s.has("STATUS=device error BUFFER") {
		t.Error("recoverable error reported as device status")
	}

	n.Stop()
	n.Stop()
	if got := s.count(daemon.SdNotifyStopping); got != 1 {
		t.Errorf("STOPPING sent %d times, want 1", got)
	}
}

func TestNotifierWatchdogFollowsHealth(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "20000")
	t.Setenv("WATCHDOG_PID", "")

	var healthy atomic.Bool
	healthy.Store(true)
	n, s := newTestNotifier(events.New(), healthy.Load)
	n.Start(context.Background())
	defer n.Stop()

	eventually(t, func() bool { return s.count(daemon.SdNotifyWatchdog) >= 2 })

	healthy.Store(false)
	time.Sleep(30 * time.Millisecond) // let an in-progress tick finish
	before := s.count(daemon.SdNotifyWatchdog)
	time.Sleep(60 * time.Millisecond)
	if after := s.count(daemon.SdNotifyWatchdog); after != before {
		t.Errorf("watchdog pinged %d times while unhealthy", after-before)
	}
}

func TestNotifierWithoutWatchdog(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	n, s := newTestNotifier(events.New(), func() bool { return true })
	n.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	n.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.msgs, daemon.SdNotifyWatchdog) {
		t.Error("watchdog pinged without WATCHDOG_USEC")
	}
}
