package legacy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smazurov/capturebridge/internal/capture"
)

// MapTranslator overlays request settings onto the device parameters and
// echoes the applied parameters back as result metadata.
type MapTranslator struct{}

// ToLegacyParameters returns current with req's settings applied. Neither
// argument is modified.
func (MapTranslator) ToLegacyParameters(req *capture.Request, current Parameters) (Parameters, error) {
	next := current.Clone()
	for k, v := range req.Settings {
		if k == "" || strings.ContainsAny(k, "=;") || strings.ContainsAny(v, "=;") {
			return nil, fmt.Errorf("setting %q: invalid key or value", k)
		}
		if k == "jpeg-quality" {
			q, err := strconv.Atoi(v)
			if err != nil || q < 1 || q > 100 {
				return nil, fmt.Errorf("setting jpeg-quality: %q out of range 1-100", v)
			}
		}
		next[k] = v
	}
	return next, nil
}

// ToResultMetadata builds the result for a unit captured with params. The
// metadata depends only on params, so callers may reuse it while params and
// the request are unchanged.
func (MapTranslator) ToResultMetadata(params Parameters, _ *capture.Request, timestamp time.Time) capture.Result {
	return capture.Result{Timestamp: timestamp, Metadata: params.Clone()}
}
