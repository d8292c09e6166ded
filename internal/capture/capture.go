package capture

import (
	"fmt"
	"time"
)

// NoFrame marks the absence of a frame number.
const NoFrame int64 = -1

// SinkID identifies a configured output sink.
type SinkID string

// SinkKind selects which pipeline feeds a sink.
type SinkKind string

// Sink kinds.
const (
	SinkStill   SinkKind = "still"   // full still image, stalling pipeline
	SinkPreview SinkKind = "preview" // continuous frames, streaming pipeline
)

// Pipeline is one of the two completion tracks a unit may require.
type Pipeline int

// Pipelines.
const (
	Stalling Pipeline = iota
	Streaming
)

func (p Pipeline) String() string {
	switch p {
	case Stalling:
		return "stalling"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("pipeline(%d)", int(p))
	}
}

// Pipeline returns the pipeline that produces frames for the sink kind.
func (k SinkKind) Pipeline() Pipeline {
	if k == SinkStill {
		return Stalling
	}
	return Streaming
}

// Valid reports whether k is a known sink kind.
func (k SinkKind) Valid() bool {
	return k == SinkStill || k == SinkPreview
}

// Target is an output sink a request writes to.
type Target struct {
	ID   SinkID   `json:"id"`
	Kind SinkKind `json:"kind"`
}

// Request holds the client capture settings and the sinks to fill.
// A Request must not be modified once submitted.
type Request struct {
	Settings map[string]string
	Targets  []Target
}

// Needs reports whether the request targets a sink served by p.
func (r *Request) Needs(p Pipeline) bool {
	for _, t := range r.Targets {
		if t.Kind.Pipeline() == p {
			return true
		}
	}
	return false
}

// Burst is an ordered list of requests submitted atomically.
type Burst struct {
	RequestID int
	Repeating bool
	Requests  []*Request
}

// Len returns the number of frames one pass over the burst produces.
func (b *Burst) Len() int {
	return len(b.Requests)
}

// Unit is one request bound to a frame number.
type Unit struct {
	Request     *Request
	RequestID   int
	FrameNumber int64
	Repeating   bool
}

// Needs reports whether the unit requires pipeline p.
func (u *Unit) Needs(p Pipeline) bool {
	return u.Request.Needs(p)
}

// Valid reports whether the unit requires at least one pipeline.
func (u *Unit) Valid() bool {
	return u.Needs(Stalling) || u.Needs(Streaming)
}

func (u *Unit) String() string {
	return fmt.Sprintf("unit{request=%d frame=%d}", u.RequestID, u.FrameNumber)
}

// Result is the metadata reported for a completed unit.
type Result struct {
	FrameNumber int64             `json:"frame_number"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
