package dispatcher

import (
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/logging"
)

// ParameterTranslator maps a request onto device parameters. It must not
// modify its arguments.
type ParameterTranslator interface {
	ToLegacyParameters(req *capture.Request, current legacy.Parameters) (legacy.Parameters, error)
}

// ResultTranslator builds result metadata from the parameters a unit was
// captured with.
type ResultTranslator interface {
	ToResultMetadata(params legacy.Parameters, req *capture.Request, timestamp time.Time) capture.Result
}

// TimeoutPolicy decides what a drain or completion timeout does after all
// in-flight units were failed.
type TimeoutPolicy string

// Timeout policies.
const (
	TimeoutFatal   TimeoutPolicy = "fatal"   // device error state
	TimeoutRecover TimeoutPolicy = "recover" // keep dispatching
)

// Default timeouts.
const (
	DefaultMaxInFlight            = 2
	DefaultStillTimeout           = 4 * time.Second
	DefaultPreviewFrameTimeout    = time.Second
	DefaultRequestCompleteTimeout = 4 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	// MaxInFlight bounds the streaming window. Defaults to 2.
	MaxInFlight int

	// StillTimeout bounds waits for picture data and for the collector to
	// drain.
	StillTimeout time.Duration

	// PreviewFrameTimeout bounds the wait for one preview frame.
	PreviewFrameTimeout time.Duration

	// RequestCompleteTimeout bounds the wait for a unit to complete.
	RequestCompleteTimeout time.Duration

	// AdmitTimeout bounds the wait for admission. Defaults to
	// RequestCompleteTimeout.
	AdmitTimeout time.Duration

	// TimeoutPolicy defaults to TimeoutFatal.
	TimeoutPolicy TimeoutPolicy

	// RenderQueueSize is the preview frame buffer. Defaults to render.DefaultQueueSize.
	RenderQueueSize int

	// Parameters and Results default to legacy.MapTranslator.
	Parameters ParameterTranslator
	Results    ResultTranslator

	// Logger for dispatcher operations. If nil, uses slog.Default().
	Logger logging.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.StillTimeout <= 0 {
		o.StillTimeout = DefaultStillTimeout
	}
	if o.PreviewFrameTimeout <= 0 {
		o.PreviewFrameTimeout = DefaultPreviewFrameTimeout
	}
	if o.RequestCompleteTimeout <= 0 {
		o.RequestCompleteTimeout = DefaultRequestCompleteTimeout
	}
	if o.AdmitTimeout <= 0 {
		o.AdmitTimeout = o.RequestCompleteTimeout
	}
	if o.TimeoutPolicy == "" {
		o.TimeoutPolicy = TimeoutFatal
	}
	if o.Parameters == nil {
		o.Parameters = legacy.MapTranslator{}
	}
	if o.Results == nil {
		o.Results = legacy.MapTranslator{}
	}
	return o
}
