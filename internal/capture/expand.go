package capture

// Expand assigns consecutive frame numbers starting at start to the
// requests of b and returns one unit per request.
func Expand(b *Burst, start int64) []*Unit {
	units := make([]*Unit, len(b.Requests))
	for i, req := range b.Requests {
		units[i] = &Unit{
			Request:     req,
			RequestID:   b.RequestID,
			FrameNumber: start + int64(i),
			Repeating:   b.Repeating,
		}
	}
	return units
}
