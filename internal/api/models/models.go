package models

import (
	"github.com/smazurov/capturebridge/internal/bridge"
	"github.com/smazurov/capturebridge/internal/output"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Bridge state models
type StateData struct {
	State   string `json:"state" example:"idle" enum:"unconfigured,configuring,idle,capturing,error" doc:"Device state"`
	Error   string `json:"error,omitempty" example:"DISCONNECTED" doc:"Error that put the device in the error state"`
	Session string `json:"session,omitempty" example:"0b6f6c1e-8f43-4c43-9d7e-5b7a3f0d6a11" doc:"Current configure session"`
	Outputs int    `json:"outputs" example:"2" doc:"Number of configured outputs"`
}

type StateResponse struct {
	Body StateData
}

// Configure models
type OutputSpec struct {
	ID   string `json:"id" example:"jpeg" minLength:"1" doc:"Output identifier"`
	Kind string `json:"kind" example:"still" enum:"still,preview" doc:"Pipeline feeding the output"`
}

type ConfigureRequestData struct {
	Outputs []OutputSpec `json:"outputs" minItems:"1" doc:"Outputs replacing the current configuration"`
}

type ConfigureRequest struct {
	Body ConfigureRequestData
}

type ConfigureData struct {
	Session string        `json:"session" example:"0b6f6c1e-8f43-4c43-9d7e-5b7a3f0d6a11" doc:"New configure session"`
	Outputs []output.Info `json:"outputs" doc:"Configured outputs"`
}

type ConfigureResponse struct {
	Body ConfigureData
}

// Submit models
type SubmitRequestData struct {
	Requests  []bridge.CaptureRequest `json:"requests" minItems:"1" doc:"Requests of the burst, in order"`
	Repeating bool                    `json:"repeating,omitempty" example:"false" doc:"Repeat the burst until cancelled"`
}

type SubmitRequest struct {
	Body SubmitRequestData
}

type SubmitData struct {
	RequestID       int   `json:"request_id" example:"0" doc:"Identifier of the burst"`
	LastFrameNumber int64 `json:"last_frame_number" example:"-1" doc:"Last frame of the burst, -1 for repeating bursts"`
}

type SubmitResponse struct {
	Body SubmitData
}

// Cancel and flush models
type FrameData struct {
	LastFrameNumber int64 `json:"last_frame_number" example:"41" doc:"Last frame of the stopped repeating burst, -1 if none"`
}

type FrameResponse struct {
	Body FrameData
}

// Wait models
type WaitRequest struct {
	Timeout string `query:"timeout" default:"10s" example:"5s" doc:"How long to wait"`
}

// Output models
type OutputListData struct {
	Outputs []output.Info `json:"outputs" doc:"Configured outputs"`
	Count   int           `json:"count" example:"2" doc:"Number of outputs"`
}

type OutputListResponse struct {
	Body OutputListData
}

type OutputFrameData struct {
	ID          string `json:"id" example:"jpeg" doc:"Output identifier"`
	FrameNumber int64  `json:"frame_number" example:"7" doc:"Frame number of the latest frame"`
	Timestamp   string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"When the frame was written"`
	Size        int    `json:"size" example:"1024" doc:"Frame size in bytes"`
	Data        []byte `json:"data,omitempty" doc:"Frame bytes, base64 encoded"`
}

type OutputFrameResponse struct {
	Body OutputFrameData
}
