package requestqueue

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/smazurov/capturebridge/internal/capture"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requests(n int) []*capture.Request {
	reqs := make([]*capture.Request, n)
	for i := range reqs {
		reqs[i] = &capture.Request{Targets: []capture.Target{{ID: "preview", Kind: capture.SinkPreview}}}
	}
	return reqs
}

func TestSubmitOneShotLastFrame(t *testing.T) {
	q := New(testLogger())

	first := q.Submit(requests(2), false)
	second := q.Submit(requests(3), false)

	if first.RequestID != 0 || second.RequestID != 1 {
		t.Fatalf("request ids = %d, %d; want 0, 1", first.RequestID, second.RequestID)
	}
	if first.LastFrameNumber != 1 {
		t.Errorf("first last frame = %d, want 1", first.LastFrameNumber)
	}
	if second.LastFrameNumber != 4 {
		t.Errorf("second last frame = %d, want 4", second.LastFrameNumber)
	}

	entry, ok := q.Next()
	if !ok || entry.FrameNumber != 0 || entry.Burst.RequestID != 0 {
		t.Fatalf("first Next = %+v, %v", entry, ok)
	}
	if entry.QueueEmptied {
		t.Error("queue not empty after first pop")
	}

	// Last frame is relative to the advanced cursor.
	third := q.Submit(requests(1), false)
	if third.LastFrameNumber != 5 {
		t.Errorf("third last frame = %d, want 5", third.LastFrameNumber)
	}

	entry, _ = q.Next()
	if entry.FrameNumber != 2 {
		t.Errorf("second Next frame = %d, want 2", entry.FrameNumber)
	}
	entry, _ = q.Next()
	if entry.FrameNumber != 5 || !entry.QueueEmptied {
		t.Errorf("third Next = %+v, want frame 5 and emptied", entry)
	}

	if _, ok := q.Next(); ok {
		t.Error("expected empty queue")
	}
}

func TestRepeatingCancelMidStream(t *testing.T) {
	q := New(testLogger())

	info := q.Submit(requests(1), true)
	if info.LastFrameNumber != capture.NoFrame {
		t.Fatalf("first repeating submit last frame = %d, want NoFrame", info.LastFrameNumber)
	}

	for want := int64(0); want < 3; want++ {
		entry, ok := q.Next()
		if !ok {
			t.Fatal("repeating burst missing")
		}
		if entry.FrameNumber != want {
			t.Errorf("frame = %d, want %d", entry.FrameNumber, want)
		}
		if entry.QueueEmptied {
			t.Error("repeating pass must not report queue emptied")
		}
	}

	if last := q.StopRepeating(info.RequestID); last != 2 {
		t.Errorf("StopRepeating = %d, want 2", last)
	}
	if _, ok := q.Next(); ok {
		t.Error("repeating burst still running after stop")
	}
	if last := q.StopRepeating(info.RequestID); last != capture.NoFrame {
		t.Errorf("second StopRepeating = %d, want NoFrame", last)
	}
}

func TestStopRepeatingNeverRan(t *testing.T) {
	q := New(testLogger())
	info := q.Submit(requests(2), true)

	if last := q.StopRepeating(info.RequestID + 1); last != capture.NoFrame {
		t.Errorf("mismatched id returned %d", last)
	}
	if !q.HasRepeating() {
		t.Fatal("mismatched stop removed the repeating burst")
	}
	if last := q.StopRepeating(info.RequestID); last != capture.NoFrame {
		t.Errorf("stop before first pass returned %d, want NoFrame", last)
	}
}

func TestRepeatingReplacementReportsPreviousLastFrame(t *testing.T) {
	q := New(testLogger())
	q.Submit(requests(2), true)

	q.Next() // frames 0-1
	q.Next() // frames 2-3

	info := q.Submit(requests(1), true)
	if info.LastFrameNumber != 3 {
		t.Errorf("replacement last frame = %d, want 3", info.LastFrameNumber)
	}

	entry, _ := q.Next()
	if entry.Burst.RequestID != info.RequestID || entry.FrameNumber != 4 {
		t.Errorf("Next after replacement = request %d frame %d", entry.Burst.RequestID, entry.FrameNumber)
	}
}

func TestOneShotPreemptsRepeating(t *testing.T) {
	q := New(testLogger())
	rep := q.Submit(requests(1), true)
	q.Next() // frame 0 from repeating

	one := q.Submit(requests(2), false)
	if one.LastFrameNumber != 2 {
		t.Errorf("one-shot last frame = %d, want 2", one.LastFrameNumber)
	}

	entry, _ := q.Next()
	if entry.Burst.RequestID != one.RequestID || entry.FrameNumber != 1 {
		t.Fatalf("expected one-shot at frame 1, got request %d frame %d", entry.Burst.RequestID, entry.FrameNumber)
	}
	entry, _ = q.Next()
	if entry.Burst.RequestID != rep.RequestID || entry.FrameNumber != 3 {
		t.Fatalf("expected repeating at frame 3, got request %d frame %d", entry.Burst.RequestID, entry.FrameNumber)
	}
	if last := q.StopAnyRepeating(); last != 3 {
		t.Errorf("StopAnyRepeating = %d, want 3", last)
	}
}

func TestFrameNumbersStrictlyIncrease(t *testing.T) {
	q := New(testLogger())
	rng := rand.New(rand.NewSource(42))
	last := int64(-1)
	seen := make(map[int64]bool)

	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0:
			q.Submit(requests(1+rng.Intn(4)), false)
		case 1:
			q.Submit(requests(1+rng.Intn(3)), true)
		case 2:
			q.StopAnyRepeating()
		default:
			entry, ok := q.Next()
			if !ok {
				continue
			}
			for _, u := range entry.Units() {
				if u.FrameNumber <= last {
					t.Fatalf("frame %d not greater than %d", u.FrameNumber, last)
				}
				if seen[u.FrameNumber] {
					t.Fatalf("frame %d reused", u.FrameNumber)
				}
				seen[u.FrameNumber] = true
				last = u.FrameNumber
			}
		}
	}
}
