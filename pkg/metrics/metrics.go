package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arxiv/compiler/pkg/types"
)

var (
	// Compilation metrics
	CompilationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compiler_compilations_total",
			Help: "Total number of completed compilation tasks by status and reason",
		},
		[]string{"status", "reason"},
	)

	CompilationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compiler_compilation_duration_seconds",
			Help:    "End-to-end duration of compilation tasks",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"format"},
	)

	ArtifactSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compiler_artifact_size_bytes",
			Help:    "Size of stored compilation artifacts",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"format"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compiler_api_requests_total",
			Help: "Total number of API requests by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		CompilationsTotal,
		CompilationDuration,
		ArtifactSizeBytes,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler exposing registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCompilation records the outcome of one compilation task.
func ObserveCompilation(task types.Task, elapsed time.Duration) {
	CompilationsTotal.WithLabelValues(string(task.Status), string(task.Reason)).Inc()
	CompilationDuration.WithLabelValues(string(task.OutputFormat)).Observe(elapsed.Seconds())
	if task.Status == types.StatusCompleted {
		ArtifactSizeBytes.WithLabelValues(string(task.OutputFormat)).Observe(float64(task.SizeBytes))
	}
}
