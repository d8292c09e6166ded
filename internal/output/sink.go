// Package output holds the configured output sinks frames are rendered into.
package output

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
)

// ErrAbandoned is returned when writing to a sink its consumer has released.
var ErrAbandoned = errors.New("output abandoned")

// Frame is one rendered image.
type Frame struct {
	FrameNumber int64
	Timestamp   time.Time
	Data        []byte
}

// Sink is a destination for produced frames.
type Sink interface {
	ID() capture.SinkID
	Kind() capture.SinkKind
	Write(f Frame) error
	Abandoned() bool
}

// MemorySink keeps the most recent frame in memory.
type MemorySink struct {
	id   capture.SinkID
	kind capture.SinkKind

	mu        sync.Mutex
	abandoned bool
	frames    int
	last      Frame
}

// NewMemorySink creates a sink.
func NewMemorySink(id capture.SinkID, kind capture.SinkKind) *MemorySink {
	return &MemorySink{id: id, kind: kind}
}

// ID implements Sink.
func (s *MemorySink) ID() capture.SinkID { return s.id }

// Kind implements Sink.
func (s *MemorySink) Kind() capture.SinkKind { return s.kind }

// Write stores f unless the sink was abandoned.
func (s *MemorySink) Write(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned {
		return fmt.Errorf("write frame %d to %s: %w", f.FrameNumber, s.id, ErrAbandoned)
	}
	s.frames++
	s.last = f
	return nil
}

// Abandon marks the sink unusable. Later writes fail with ErrAbandoned.
func (s *MemorySink) Abandon() {
	s.mu.Lock()
	s.abandoned = true
	s.mu.Unlock()
}

// Abandoned implements Sink.
func (s *MemorySink) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}

// Frames returns how many frames were written.
func (s *MemorySink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Last returns the most recently written frame.
func (s *MemorySink) Last() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.frames > 0
}

// Info describes a sink for listings.
type Info struct {
	ID        capture.SinkID   `json:"id"`
	Kind      capture.SinkKind `json:"kind"`
	Abandoned bool             `json:"abandoned"`
	Frames    int              `json:"frames"`
}

// Set is the currently configured group of sinks. It is replaced as a whole
// on every configure, never mutated.
type Set struct {
	sinks map[capture.SinkID]Sink
}

// NewSet builds a set. Duplicate ids and unknown kinds are rejected.
func NewSet(sinks ...Sink) (*Set, error) {
	set := &Set{sinks: make(map[capture.SinkID]Sink, len(sinks))}
	for _, s := range sinks {
		if s.ID() == "" {
			return nil, errors.New("output id is empty")
		}
		if !s.Kind().Valid() {
			return nil, fmt.Errorf("output %s: unknown kind %q", s.ID(), s.Kind())
		}
		if _, dup := set.sinks[s.ID()]; dup {
			return nil, fmt.Errorf("output %s configured twice", s.ID())
		}
		set.sinks[s.ID()] = s
	}
	return set, nil
}

// Get returns the sink with id.
func (s *Set) Get(id capture.SinkID) (Sink, bool) {
	if s == nil {
		return nil, false
	}
	sink, ok := s.sinks[id]
	return sink, ok
}

// Len returns the number of sinks.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sinks)
}

// Deliver writes f to every target of u fed by p and returns the targets
// that could not be written, including ones missing from the set.
func (s *Set) Deliver(u *capture.Unit, p capture.Pipeline, f Frame) []capture.SinkID {
	var dropped []capture.SinkID
	for _, t := range u.Request.Targets {
		if t.Kind.Pipeline() != p {
			continue
		}
		sink, ok := s.Get(t.ID)
		if !ok || sink.Write(f) != nil {
			dropped = append(dropped, t.ID)
		}
	}
	return dropped
}

// Infos lists the sinks sorted by id.
func (s *Set) Infos() []Info {
	if s == nil {
		return nil
	}
	infos := make([]Info, 0, len(s.sinks))
	for _, sink := range s.sinks {
		info := Info{ID: sink.ID(), Kind: sink.Kind(), Abandoned: sink.Abandoned()}
		if m, ok := sink.(*MemorySink); ok {
			info.Frames = m.Frames()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Resolve fills in target kinds from the set. Unknown ids are an error.
func (s *Set) Resolve(ids []capture.SinkID) ([]capture.Target, error) {
	targets := make([]capture.Target, 0, len(ids))
	for _, id := range ids {
		sink, ok := s.Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown output %q", id)
		}
		targets = append(targets, capture.Target{ID: id, Kind: sink.Kind()})
	}
	return targets, nil
}
