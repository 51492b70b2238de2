package toolexec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics records tool execution outcomes as Prometheus counters
// and a duration histogram, keyed by tool name.
type PrometheusMetrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewPrometheusMetrics registers a fresh set of tool execution metrics with
// reg. Pass prometheus.DefaultRegisterer to expose them on the process's
// default /metrics endpoint, or a throwaway *prometheus.Registry in tests to
// avoid collisions between runs.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
	}
}

// Record implements Metrics.
func (m *PrometheusMetrics) Record(toolName string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.executions.WithLabelValues(toolName, status).Inc()
	m.duration.WithLabelValues(toolName).Observe(duration.Seconds())
}
