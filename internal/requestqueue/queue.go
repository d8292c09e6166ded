// Package requestqueue holds submitted bursts and hands out frame-numbered
// work to the dispatcher.
//
// One-shot bursts are kept in a FIFO. At most one repeating burst exists; it
// runs whenever the FIFO is empty and is replaced by the next repeating
// submission. Frame numbers are assigned from a single cursor that only
// advances in Next, so they are strictly increasing and never reused.
package requestqueue

import (
	"log/slog"
	"sync"

	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/logging"
)

// SubmitInfo is returned for every submitted burst.
type SubmitInfo struct {
	RequestID       int
	LastFrameNumber int64
}

// Entry is the next burst to dispatch and the frame number of its first unit.
type Entry struct {
	Burst        *capture.Burst
	FrameNumber  int64
	QueueEmptied bool // a one-shot pop left the FIFO empty
}

// Units expands the entry into frame-numbered units.
func (e Entry) Units() []*capture.Unit {
	return capture.Expand(e.Burst, e.FrameNumber)
}

// Queue is safe for concurrent use.
type Queue struct {
	mu sync.Mutex

	pending   []*capture.Burst
	repeating *capture.Burst

	nextRequestID int
	cursor        int64
	// cursor after the latest pass of the repeating burst, NoFrame if it never ran
	repeatingEnd int64

	logger logging.Logger
}

// New creates an empty queue.
func New(logger logging.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		repeatingEnd: capture.NoFrame,
		logger:       logger,
	}
}

// Submit enqueues requests as one burst.
//
// For a one-shot burst LastFrameNumber is the frame number of its last unit.
// For a repeating burst it is the last frame the replaced repeating burst
// produced, or capture.NoFrame.
func (q *Queue) Submit(requests []*capture.Request, repeating bool) SubmitInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := &capture.Burst{
		RequestID: q.nextRequestID,
		Repeating: repeating,
		Requests:  requests,
	}
	q.nextRequestID++

	if repeating {
		last := capture.NoFrame
		if q.repeating != nil {
			last = q.lastRepeatingFrame()
			q.logger.Debug("Replacing repeating burst", "old_request_id", q.repeating.RequestID, "new_request_id", b.RequestID)
		}
		q.repeatingEnd = capture.NoFrame
		q.repeating = b
		return SubmitInfo{RequestID: b.RequestID, LastFrameNumber: last}
	}

	q.pending = append(q.pending, b)
	return SubmitInfo{RequestID: b.RequestID, LastFrameNumber: q.lastFrameOf(b.RequestID)}
}

// lastFrameOf sums queued burst sizes up to requestID (must hold lock).
func (q *Queue) lastFrameOf(requestID int) int64 {
	total := q.cursor
	for _, b := range q.pending {
		total += int64(b.Len())
		if b.RequestID == requestID {
			return total - 1
		}
	}
	return capture.NoFrame
}

// lastRepeatingFrame must hold lock.
func (q *Queue) lastRepeatingFrame() int64 {
	if q.repeatingEnd == capture.NoFrame {
		return capture.NoFrame
	}
	return q.repeatingEnd - 1
}

// Next returns the next burst to run. One-shot bursts are popped; the
// repeating burst is returned without removing it.
func (q *Queue) Next() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		next    *capture.Burst
		emptied bool
	)
	if len(q.pending) > 0 {
		next = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		emptied = len(q.pending) == 0
	} else if q.repeating != nil {
		next = q.repeating
		q.repeatingEnd = q.cursor + int64(next.Len())
	}
	if next == nil {
		return Entry{}, false
	}

	entry := Entry{Burst: next, FrameNumber: q.cursor, QueueEmptied: emptied}
	q.cursor += int64(next.Len())
	return entry, true
}

// StopRepeating clears the repeating burst if its id is requestID and
// returns the last frame it will ever produce.
func (q *Queue) StopRepeating(requestID int) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.repeating == nil || q.repeating.RequestID != requestID {
		q.logger.Debug("No repeating burst to stop", "request_id", requestID)
		return capture.NoFrame
	}
	return q.clearRepeating()
}

// StopAnyRepeating clears whichever repeating burst is set.
func (q *Queue) StopAnyRepeating() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.repeating == nil {
		return capture.NoFrame
	}
	return q.clearRepeating()
}

// clearRepeating must hold lock.
func (q *Queue) clearRepeating() int64 {
	last := q.lastRepeatingFrame()
	q.logger.Debug("Stopped repeating burst", "request_id", q.repeating.RequestID, "last_frame", last)
	q.repeating = nil
	q.repeatingEnd = capture.NoFrame
	return last
}

// Len returns the number of queued one-shot bursts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// HasRepeating reports whether a repeating burst is installed.
func (q *Queue) HasRepeating() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.repeating != nil
}

// RepeatingID returns the id of the repeating burst, if any.
func (q *Queue) RepeatingID() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.repeating == nil {
		return 0, false
	}
	return q.repeating.RequestID, true
}
