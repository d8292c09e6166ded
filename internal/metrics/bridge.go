// Package metrics provides Prometheus metrics for the capture bridge.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Unit outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
)

// Parameter apply results.
const (
	ApplyChanged   = "changed"
	ApplyUnchanged = "unchanged"
	ApplyFailed    = "failed"
)

var (
	collectorInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "capturebridge",
		Subsystem: "collector",
		Name:      "in_flight_units",
		Help:      "Units admitted and not yet completed",
	}, []string{"pipeline"})

	collectorUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturebridge",
		Subsystem: "collector",
		Name:      "units_total",
		Help:      "Completed units by outcome",
	}, []string{"outcome"})

	collectorAdmissionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capturebridge",
		Subsystem: "collector",
		Name:      "admission_timeouts_total",
		Help:      "Units that could not be admitted before the timeout",
	})

	collectorAdmissionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "capturebridge",
		Subsystem: "collector",
		Name:      "admission_wait_seconds",
		Help:      "Time spent waiting for admission",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 4},
	})

	deviceStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturebridge",
		Subsystem: "device",
		Name:      "state_transitions_total",
		Help:      "Device state machine transitions",
	}, []string{"from", "to"})

	deviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturebridge",
		Subsystem: "device",
		Name:      "errors_total",
		Help:      "Error notifications by code",
	}, []string{"code"})

	dispatcherParameterApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capturebridge",
		Subsystem: "dispatcher",
		Name:      "parameter_applies_total",
		Help:      "Legacy parameter updates by result",
	}, []string{"result"})

	dispatcherRepeatingStopped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capturebridge",
		Subsystem: "dispatcher",
		Name:      "repeating_stopped_total",
		Help:      "Repeating bursts stopped because an output was abandoned",
	})

	renderDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "capturebridge",
		Subsystem: "render",
		Name:      "dropped_preview_frames_total",
		Help:      "Preview frames not delivered to any unit",
	})

	// Local copy of the counters for the stats endpoint and SSE exporter.
	stats   Stats
	statsMu sync.RWMutex
)

// Stats holds current metric values.
type Stats struct {
	InFlight             int    `json:"in_flight"`
	InFlightStreaming    int    `json:"in_flight_streaming"`
	UnitsCompleted       uint64 `json:"units_completed"`
	UnitsPartial         uint64 `json:"units_partial"`
	UnitsFailed          uint64 `json:"units_failed"`
	AdmissionTimeouts    uint64 `json:"admission_timeouts"`
	DroppedPreviewFrames uint64 `json:"dropped_preview_frames"`
	RepeatingStopped     uint64 `json:"repeating_stopped"`
	State                string `json:"state"`
}

// SetInFlight records the collector's in-flight counters.
func SetInFlight(total, streaming int) {
	collectorInFlight.WithLabelValues("total").Set(float64(total))
	collectorInFlight.WithLabelValues("streaming").Set(float64(streaming))
	updateStats(func(s *Stats) {
		s.InFlight = total
		s.InFlightStreaming = streaming
	})
}

// IncrementUnits records a completed unit.
func IncrementUnits(outcome string) {
	collectorUnits.WithLabelValues(outcome).Inc()
	updateStats(func(s *Stats) {
		switch outcome {
		case OutcomeCompleted:
			s.UnitsCompleted++
		case OutcomePartial:
			s.UnitsPartial++
		case OutcomeFailed:
			s.UnitsFailed++
		}
	})
}

// ObserveAdmission records how long an admission waited and whether it timed out.
func ObserveAdmission(wait time.Duration, admitted bool) {
	collectorAdmissionWait.Observe(wait.Seconds())
	if admitted {
		return
	}
	collectorAdmissionTimeouts.Inc()
	updateStats(func(s *Stats) { s.AdmissionTimeouts++ })
}

// RecordStateTransition records a device state change.
func RecordStateTransition(from, to string) {
	deviceStateTransitions.WithLabelValues(from, to).Inc()
	updateStats(func(s *Stats) { s.State = to })
}

// IncrementDeviceErrors records an error notification.
func IncrementDeviceErrors(code string) {
	deviceErrors.WithLabelValues(code).Inc()
}

// IncrementParameterApplies records a parameter update attempt.
func IncrementParameterApplies(result string) {
	dispatcherParameterApplies.WithLabelValues(result).Inc()
}

// IncrementRepeatingStopped records a repeating burst stopped by the bridge.
func IncrementRepeatingStopped() {
	dispatcherRepeatingStopped.Inc()
	updateStats(func(s *Stats) { s.RepeatingStopped++ })
}

// IncrementDroppedPreviewFrames records a preview frame nobody was waiting for.
func IncrementDroppedPreviewFrames() {
	renderDroppedFrames.Inc()
	updateStats(func(s *Stats) { s.DroppedPreviewFrames++ })
}

// GetStats returns a copy of the current values.
func GetStats() Stats {
	statsMu.RLock()
	defer statsMu.RUnlock()
	return stats
}

func updateStats(update func(*Stats)) {
	statsMu.Lock()
	defer statsMu.Unlock()
	update(&stats)
}
