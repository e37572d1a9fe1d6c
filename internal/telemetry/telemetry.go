// Package telemetry provides local Prometheus metrics for the sync subsystem.
// Metrics are only exposed on the local agent; nothing is pushed anywhere.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "vehicle_eval"
	subsystem = "sync"
)

// Replay outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeDeadLetter = "dead_letter"
)

// Metrics holds the sync collectors.
type Metrics struct {
	queueDepth        prometheus.Gauge
	replays           *prometheus.CounterVec
	imageUploads      *prometheus.CounterVec
	drainDuration     prometheus.Histogram
	connectivityState *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Number of write intents waiting for replay.",
		}),
		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replays_total",
			Help:      "Queue entry replay attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		imageUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "image_uploads_total",
			Help:      "Pending image uploads by outcome.",
		}, []string{"outcome"}),
		drainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "drain_duration_seconds",
			Help:      "Duration of queue drain passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		connectivityState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connectivity_state",
			Help:      "1 for the current connectivity state, 0 otherwise.",
		}, []string{"state"}),
	}
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveReplay counts one replay attempt.
func (m *Metrics) ObserveReplay(kind, outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(kind, outcome).Inc()
}

// ObserveImageUpload counts one image upload attempt.
func (m *Metrics) ObserveImageUpload(outcome string) {
	if m == nil {
		return
	}
	m.imageUploads.WithLabelValues(outcome).Inc()
}

// ObserveDrain records how long a drain pass took.
func (m *Metrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

// SetConnectivityState marks current as the active state among all.
func (m *Metrics) SetConnectivityState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.connectivityState.WithLabelValues(s).Set(v)
	}
}
