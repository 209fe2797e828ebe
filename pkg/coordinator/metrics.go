package coordinator

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"

	"github.com/gpumesh/gpumesh/pkg/types"
)

// ============================================================================
// Broker Metrics - Prometheus-style instrumentation for the coordinator
// ============================================================================

var (
	registrationsTotal      = metrics.NewCounter("gpumesh_registrations_total")
	heartbeatsTotal         = metrics.NewCounter("gpumesh_heartbeats_total")
	selectionMissesTotal    = metrics.NewCounter("gpumesh_selection_misses_total")
	predictionFailuresTotal = metrics.NewCounter("gpumesh_prediction_failures_total")
	predictionDuration      = metrics.NewHistogram("gpumesh_prediction_duration_seconds")
	workersActive           = metrics.NewGauge("gpumesh_workers_active", nil)
)

// predictionCounter returns the per-model success counter
func predictionCounter(model types.ModelType) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`gpumesh_predictions_total{model=%q}`, string(model)))
}

// writePrometheus renders every registered metric in Prometheus text format
func writePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
