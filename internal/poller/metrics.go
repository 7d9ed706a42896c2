package poller

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/matchwatch/internal/runtime"
)

// Metrics holds the poller counters. A nil *Metrics records nothing.
type Metrics struct {
	cycles           prometheus.Counter
	publishes        prometheus.Counter
	publishFailures  prometheus.Counter
	skips            *prometheus.CounterVec
	identityFailures prometheus.Counter
}

// NewMetrics creates the counters and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) (prometheus.Counter, error) {
		return runtime.RegisterCollector(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchwatch",
			Subsystem: "poller",
			Name:      name,
			Help:      help,
		}))
	}

	m := &Metrics{}
	var err error
	if m.cycles, err = counter("cycles_total", "Poll cycles started."); err != nil {
		return nil, err
	}
	if m.publishes, err = counter("publishes_total", "Matches published to the detection queue."); err != nil {
		return nil, err
	}
	if m.publishFailures, err = counter("publish_failures_total", "Matches whose publish failed."); err != nil {
		return nil, err
	}
	if m.identityFailures, err = counter("identity_failures_total", "Players whose identity could not be resolved."); err != nil {
		return nil, err
	}
	m.skips, err = runtime.RegisterCollector(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchwatch",
		Subsystem: "poller",
		Name:      "skips_total",
		Help:      "Players skipped without publishing, by reason.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) cycle() {
	if m != nil {
		m.cycles.Inc()
	}
}

func (m *Metrics) published() {
	if m != nil {
		m.publishes.Inc()
	}
}

func (m *Metrics) publishFailure() {
	if m != nil {
		m.publishFailures.Inc()
	}
}

func (m *Metrics) skip(reason string) {
	if m != nil {
		m.skips.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) identityFailure() {
	if m != nil {
		m.identityFailures.Inc()
	}
}
