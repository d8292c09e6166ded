package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/capturebridge/internal/events"
	"github.com/smazurov/capturebridge/internal/metrics"
)

// DefaultInterval is how often stats are published.
const DefaultInterval = time.Second

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter periodically publishes a bridge stats snapshot on the bus.
// Identical consecutive snapshots are skipped.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	last     *metrics.Stats

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSSEExporter creates a new SSE exporter. A non-positive interval uses
// DefaultInterval.
func NewSSEExporter(eventBus EventPublisher, interval time.Duration) *SSEExporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &SSEExporter{
		eventBus: eventBus,
		interval: interval,
	}
}

// Start begins the export loop.
func (s *SSEExporter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the exporter and waits for the goroutine to finish.
func (s *SSEExporter) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.publishStats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStats()
		}
	}
}

func (s *SSEExporter) publishStats() {
	current := metrics.GetStats()
	if s.last != nil && *s.last == current {
		return
	}
	s.last = &current
	s.eventBus.Publish(events.BridgeStatsEvent{
		EventType: "bridge_stats",
		Stats:     current,
	})
}
