package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/matchwatch/internal/runtime"
)

// Metrics records delivery latency. A nil *Metrics records nothing.
type Metrics struct {
	duration *prometheus.HistogramVec
	lockWait prometheus.Histogram
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	duration, err := runtime.RegisterCollector(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "matchwatch",
		Subsystem: "delivery",
		Name:      "duration_seconds",
		Help:      "Time from receiving an artifact to finishing the attempt, by outcome.",
		Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	lockWait, err := runtime.RegisterCollector(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "matchwatch",
		Subsystem: "delivery",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the playback lock.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}))
	if err != nil {
		return nil, err
	}
	return &Metrics{duration: duration, lockWait: lockWait}, nil
}

func (m *Metrics) observe(outcome string, started time.Time) {
	if m != nil {
		m.duration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) waited(d time.Duration) {
	if m != nil {
		m.lockWait.Observe(d.Seconds())
	}
}
