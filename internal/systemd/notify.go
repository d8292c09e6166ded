// Package systemd reports service readiness and device health to systemd.
package systemd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/smazurov/capturebridge/internal/events"
)

// Notifier sends sd_notify messages. It announces readiness, mirrors the
// device state into STATUS and, when the unit has WatchdogSec set, pings the
// watchdog only while healthy reports true. A device stuck in the error
// state therefore gets the service restarted.
type Notifier struct {
	bus     *events.Bus
	healthy func() bool
	logger  *slog.Logger
	notify  func(state string) (bool, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	unsubs []func()
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier. healthy is polled before every watchdog
// ping.
func NewNotifier(bus *events.Bus, healthy func() bool, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		bus:     bus,
		healthy: healthy,
		logger:  logger,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

// Start announces readiness and begins reporting. Outside systemd every
// message is a no-op.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return
	}
	ctx, n.cancel = context.WithCancel(ctx)

	n.unsubs = append(n.unsubs,
		n.bus.Subscribe(func(e events.StateChangedEvent) {
			n.send("STATUS=device " + e.State)
		}),
		n.bus.Subscribe(func(e events.CaptureErrorEvent) {
			if e.Fatal {
				n.send("STATUS=device error " + e.Code)
			}
		}),
	)

	sent := n.send(daemon.SdNotifyReady)
	if !sent {
		n.logger.Debug("Not running under systemd notify")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.Warn("Invalid watchdog configuration", "error", err)
		return
	}
	if interval > 0 {
		n.logger.Info("Systemd watchdog enabled", "interval", interval)
		n.wg.Add(1)
		go n.watchdog(ctx, interval/2)
	}
}

// Stop announces shutdown and stops reporting.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	unsubs := n.unsubs
	n.cancel = nil
	n.unsubs = nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}

	for _, unsub := range unsubs {
		unsub()
	}
	cancel()
	n.wg.Wait()
	n.send(daemon.SdNotifyStopping)
}

func (n *Notifier) watchdog(ctx context.Context, every time.Duration) {
	defer n.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.healthy != nil && !n.healthy() {
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(state)
	if err != nil {
		n.logger.Warn("sd_notify failed", "state", state, "error", err)
	}
	return sent
}
