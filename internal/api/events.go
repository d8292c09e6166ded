package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/capturebridge/internal/events"
)

// sseBuffer is the per-connection event backlog. Events are dropped while it
// is full.
const sseBuffer = 64

// registerSSERoutes registers the device event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of device state changes, capture results and errors",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, events.SSETypes(), func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, sseBuffer)
		unsubscribe := events.SubscribeAll(s.eventBus, eventCh)
		defer unsubscribe()

		// Current state first so clients don't wait for the next transition.
		if err := send.Data(events.StateChangedEvent{
			State:     string(s.bridge.State()),
			Session:   s.bridge.Session(),
			Timestamp: time.Now().Format(time.RFC3339Nano),
		}); err != nil {
			return
		}

		s.forward(ctx, eventCh, send)
	})
}

// forward sends events until the client goes away or a write fails.
func (s *Server) forward(ctx context.Context, eventCh <-chan any, send sse.Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventCh:
			if err := send.Data(event); err != nil {
				s.logger.Debug("SSE client gone", "error", err)
				return
			}
		}
	}
}
