package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/capturebridge/internal/api/models"
	"github.com/smazurov/capturebridge/internal/bridge"
	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/config"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/output"
)

const defaultWaitTimeout = 10 * time.Second

// registerBridgeRoutes registers the capture request endpoints.
func (s *Server) registerBridgeRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-bridge-state",
		Method:      http.MethodGet,
		Path:        "/api/bridge",
		Summary:     "Get Bridge State",
		Description: "Get the device state and current configure session",
		Tags:        []string{"bridge"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.StateResponse, error) {
		return &models.StateResponse{Body: s.stateData()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "configure-outputs",
		Method:      http.MethodPost,
		Path:        "/api/bridge/configure",
		Summary:     "Configure Outputs",
		Description: "Replace the configured outputs. Any repeating burst is stopped and in-flight work drained first.",
		Tags:        []string{"bridge"},
		Errors:      []int{400, 401, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.ConfigureRequest) (*models.ConfigureResponse, error) {
		f := config.OutputsFile{Outputs: make([]config.OutputSpec, len(input.Body.Outputs))}
		for i, o := range input.Body.Outputs {
			f.Outputs[i] = config.OutputSpec{ID: o.ID, Kind: o.Kind}
		}
		set, err := f.Set()
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error(), err)
		}

		session, err := s.bridge.Configure(ctx, set)
		if err != nil {
			return nil, s.mapBridgeError(err)
		}
		return &models.ConfigureResponse{
			Body: models.ConfigureData{Session: session, Outputs: set.Infos()},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "submit-burst",
		Method:      http.MethodPost,
		Path:        "/api/bridge/requests",
		Summary:     "Submit Burst",
		Description: "Queue a burst of capture requests, optionally repeating until cancelled",
		Tags:        []string{"bridge"},
		Errors:      []int{400, 401, 409, 422, 503},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.SubmitRequest) (*models.SubmitResponse, error) {
		info, err := s.bridge.Submit(input.Body.Requests, input.Body.Repeating)
		if err != nil {
			return nil, s.mapBridgeError(err)
		}
		return &models.SubmitResponse{
			Body: models.SubmitData{RequestID: info.RequestID, LastFrameNumber: info.LastFrameNumber},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-repeating",
		Method:      http.MethodDelete,
		Path:        "/api/bridge/requests/{request_id}",
		Summary:     "Cancel Repeating Burst",
		Description: "Stop a repeating burst. Returns the last frame it will produce, -1 if it was not repeating or never ran.",
		Tags:        []string{"bridge"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, input *struct {
		RequestID int `path:"request_id" example:"3" doc:"Burst identifier returned by submit"`
	}) (*models.FrameResponse, error) {
		return &models.FrameResponse{
			Body: models.FrameData{LastFrameNumber: s.bridge.Cancel(input.RequestID)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "flush",
		Method:      http.MethodPost,
		Path:        "/api/bridge/flush",
		Summary:     "Flush",
		Description: "Stop any repeating burst and fail all in-flight capture units",
		Tags:        []string{"bridge"},
		Errors:      []int{401, 409, 503},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.FrameResponse, error) {
		last, err := s.bridge.FlushAll()
		if err != nil {
			return nil, s.mapBridgeError(err)
		}
		return &models.FrameResponse{Body: models.FrameData{LastFrameNumber: last}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "wait-until-idle",
		Method:      http.MethodPost,
		Path:        "/api/bridge/wait",
		Summary:     "Wait Until Idle",
		Description: "Block until nothing is queued or in flight",
		Tags:        []string{"bridge"},
		Errors:      []int{400, 401, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.WaitRequest) (*models.StateResponse, error) {
		timeout, err := time.ParseDuration(input.Timeout)
		if err != nil || timeout <= 0 {
			if input.Timeout != "" {
				return nil, huma.Error400BadRequest("invalid timeout " + input.Timeout)
			}
			timeout = defaultWaitTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := s.bridge.WaitUntilIdle(ctx); err != nil {
			return nil, s.mapBridgeError(err)
		}
		return &models.StateResponse{Body: s.stateData()}, nil
	})
}

// registerOutputRoutes registers the configured output endpoints.
func (s *Server) registerOutputRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-outputs",
		Method:      http.MethodGet,
		Path:        "/api/outputs",
		Summary:     "List Outputs",
		Description: "List the configured outputs",
		Tags:        []string{"outputs"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.OutputListResponse, error) {
		infos := s.bridge.Outputs().Infos()
		if infos == nil {
			infos = []output.Info{}
		}
		return &models.OutputListResponse{
			Body: models.OutputListData{Outputs: infos, Count: len(infos)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-output-frame",
		Method:      http.MethodGet,
		Path:        "/api/outputs/{output_id}/frame",
		Summary:     "Get Latest Frame",
		Description: "Get the latest frame written to an output",
		Tags:        []string{"outputs"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(_ context.Context, input *struct {
		OutputID    string `path:"output_id" example:"jpeg" doc:"Output identifier"`
		IncludeData bool   `query:"include_data" default:"false" doc:"Include the frame bytes"`
	}) (*models.OutputFrameResponse, error) {
		memory, err := s.memorySink(input.OutputID)
		if err != nil {
			return nil, err
		}
		frame, ok := memory.Last()
		if !ok {
			return nil, huma.Error404NotFound("output " + input.OutputID + " has no frames yet")
		}
		data := models.OutputFrameData{
			ID:          input.OutputID,
			FrameNumber: frame.FrameNumber,
			Timestamp:   frame.Timestamp.Format(time.RFC3339Nano),
			Size:        len(frame.Data),
		}
		if input.IncludeData {
			data.Data = frame.Data
		}
		return &models.OutputFrameResponse{Body: data}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "abandon-output",
		Method:        http.MethodPost,
		Path:          "/api/outputs/{output_id}/abandon",
		Summary:       "Abandon Output",
		Description:   "Release an output. Later frames for it fail with a buffer error and repeating bursts using it stop.",
		Tags:          []string{"outputs"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{401, 404},
		Security:      withAuth(),
	}, func(_ context.Context, input *struct {
		OutputID string `path:"output_id" example:"preview" doc:"Output identifier"`
	}) (*struct{}, error) {
		memory, err := s.memorySink(input.OutputID)
		if err != nil {
			return nil, err
		}
		memory.Abandon()
		s.logger.Info("Output abandoned", "output_id", input.OutputID)
		return &struct{}{}, nil
	})
}

func (s *Server) memorySink(id string) (*output.MemorySink, error) {
	sink, ok := s.bridge.Outputs().Get(capture.SinkID(id))
	if !ok {
		return nil, huma.Error404NotFound("output " + id + " not found")
	}
	memory, ok := sink.(*output.MemorySink)
	if !ok {
		return nil, huma.Error404NotFound("output " + id + " is not held in memory")
	}
	return memory, nil
}

func (s *Server) stateData() models.StateData {
	data := models.StateData{
		State:   string(s.bridge.State()),
		Session: s.bridge.Session(),
		Outputs: s.bridge.Outputs().Len(),
	}
	if s.bridge.State() == devicestate.StateError {
		data.Error = string(s.bridge.Err())
	}
	return data
}

// mapBridgeError converts bridge errors to HTTP errors.
func (s *Server) mapBridgeError(err error) error {
	msg := err.Error()
	switch bridge.CodeOf(err) {
	case bridge.ErrCodeInvalidRequest:
		return huma.Error400BadRequest(msg, err)
	case bridge.ErrCodeUnknownOutput:
		return huma.Error422UnprocessableEntity(msg, err)
	case bridge.ErrCodeNotConfigured:
		return huma.Error409Conflict(msg, err)
	case bridge.ErrCodeDeviceError, bridge.ErrCodeClosed:
		return huma.Error503ServiceUnavailable(msg, err)
	case bridge.ErrCodeTimeout:
		return huma.Error504GatewayTimeout(msg, err)
	default:
		s.logger.Error("Unexpected bridge error", "error", err)
		return huma.Error500InternalServerError("internal server error", err)
	}
}
