package observe

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports store operation latency as a histogram labelled
// by operation and status.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the operation histogram with reg. A nil reg
// uses prometheus.DefaultRegisterer. Registering twice against the same
// registry reuses the existing collector.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatstore",
		Name:      "operation_duration_seconds",
		Help:      "Latency of persistence operations by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op", "status"})
	if err := reg.Register(hist); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		hist = existing
	}
	return &PrometheusRecorder{durations: hist}, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation, status).Observe(duration.Seconds())
}
