package capture

import "testing"

func TestExpandAssignsConsecutiveFrames(t *testing.T) {
	preview := &Request{Targets: []Target{{ID: "p", Kind: SinkPreview}}}
	still := &Request{Targets: []Target{{ID: "j", Kind: SinkStill}}}
	b := &Burst{RequestID: 7, Requests: []*Request{preview, still, preview}}

	units := Expand(b, 40)
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	for i, u := range units {
		if u.FrameNumber != 40+int64(i) {
			t.Errorf("unit %d: frame = %d, want %d", i, u.FrameNumber, 40+i)
		}
		if u.RequestID != 7 {
			t.Errorf("unit %d: request id = %d, want 7", i, u.RequestID)
		}
		if u.Request != b.Requests[i] {
			t.Errorf("unit %d: request pointer not preserved", i)
		}
	}
}

func TestExpandEmptyBurst(t *testing.T) {
	units := Expand(&Burst{}, 5)
	if len(units) != 0 {
		t.Errorf("expected no units, got %d", len(units))
	}
}

func TestUnitPipelineMembership(t *testing.T) {
	tests := []struct {
		name          string
		targets       []Target
		wantStalling  bool
		wantStreaming bool
		wantValid     bool
	}{
		{"preview only", []Target{{ID: "p", Kind: SinkPreview}}, false, true, true},
		{"still only", []Target{{ID: "j", Kind: SinkStill}}, true, false, true},
		{"both", []Target{{ID: "p", Kind: SinkPreview}, {ID: "j", Kind: SinkStill}}, true, true, true},
		{"none", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &Unit{Request: &Request{Targets: tt.targets}}
			if got := u.Needs(Stalling); got != tt.wantStalling {
				t.Errorf("Needs(Stalling) = %v, want %v", got, tt.wantStalling)
			}
			if got := u.Needs(Streaming); got != tt.wantStreaming {
				t.Errorf("Needs(Streaming) = %v, want %v", got, tt.wantStreaming)
			}
			if got := u.Valid(); got != tt.wantValid {
				t.Errorf("Valid() = %v, want %v", got, tt.wantValid)
			}
		})
	}
}

func TestSinkKind(t *testing.T) {
	if SinkStill.Pipeline() != Stalling {
		t.Error("still sinks belong to the stalling pipeline")
	}
	if SinkPreview.Pipeline() != Streaming {
		t.Error("preview sinks belong to the streaming pipeline")
	}
	if SinkKind("raw").Valid() {
		t.Error("unknown kind reported valid")
	}
}
