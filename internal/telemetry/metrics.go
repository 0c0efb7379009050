package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink exports attempt and failure counts as Prometheus metrics.
type MetricsSink struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	failures prometheus.Counter
}

func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	m := &MetricsSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diagmend",
			Name:      "repair_attempts_total",
			Help:      "Repair tier attempts by tier and outcome.",
		}, []string{"tier", "tier_name", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "diagmend",
			Name:      "repair_attempt_duration_seconds",
			Help:      "Wall time of repair tier attempts.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
		}, []string{"tier_name"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diagmend",
			Name:      "repair_failures_total",
			Help:      "Repair sessions that ended without a renderable diagram.",
		}),
	}
	for _, c := range []prometheus.Collector{m.attempts, m.duration, m.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsSink) RecordAttempt(_ context.Context, rec AttemptRecord) error {
	outcome := "failure"
	if rec.Success {
		outcome = "success"
	}
	m.attempts.WithLabelValues(strconv.Itoa(rec.Tier), rec.TierName, outcome).Inc()
	m.duration.WithLabelValues(rec.TierName).Observe(float64(rec.DurationMS) / 1000)
	return nil
}

func (m *MetricsSink) ReportFailure(context.Context, FailureReport) error {
	m.failures.Inc()
	return nil
}
