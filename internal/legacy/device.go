// Package legacy describes the single-operation camera the bridge drives and
// provides a simulated implementation.
//
// The device knows nothing about requests or frame numbers. It previews
// continuously once started, takes one picture at a time, and reports
// progress through Handler callbacks on its own goroutines.
package legacy

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"time"
)

// Device errors.
var (
	ErrPreviewNotRunning = errors.New("preview not running")
	ErrPictureInProgress = errors.New("picture already in progress")
	ErrClosed            = errors.New("device closed")
)

// ErrorKind is the class of an asynchronous device error.
type ErrorKind int

// Device error kinds.
const (
	ErrorUnknown ErrorKind = iota
	ErrorServerDied
	ErrorEvicted  // another client took the camera
	ErrorDisabled // camera disabled by policy
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorServerDied:
		return "server_died"
	case ErrorEvicted:
		return "evicted"
	case ErrorDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Frame is a preview frame as delivered by the device.
type Frame struct {
	Timestamp time.Time
	Data      []byte
}

// Handler receives device callbacks. Implementations must not block for long.
type Handler interface {
	OnShutter(timestamp time.Time)
	OnFrameAvailable(f Frame)
	OnPictureData(data []byte)
	OnError(kind ErrorKind)
}

// Device is the legacy camera.
type Device interface {
	ApplyParameters(p Parameters) error
	Parameters() Parameters
	StartStreaming() error
	StopStreaming() error
	Streaming() bool
	// TriggerOneShot takes a picture. Preview must be running and is
	// stopped by the capture.
	TriggerOneShot() error
	SetHandler(h Handler)
	Close() error
}

// Parameters is the flat key/value parameter set of the device.
type Parameters map[string]string

// Same reports whether p and o hold the same values.
func (p Parameters) Same(o Parameters) bool {
	return maps.Equal(p, o)
}

// Clone returns a copy of p.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	return maps.Clone(p)
}

// Flatten renders p as sorted "key=value" pairs joined by ';'.
func (p Parameters) Flatten() string {
	keys := slices.Sorted(maps.Keys(p))
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
	}
	return b.String()
}

// Unflatten parses the output of Flatten.
func Unflatten(s string) (Parameters, error) {
	p := Parameters{}
	if s == "" {
		return p, nil
	}
	for _, pair := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, errors.New("malformed parameter pair " + pair)
		}
		p[k] = v
	}
	return p, nil
}
