package runtime

import (
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PoisonMetrics counts messages routed to the poison queue.
type PoisonMetrics struct {
	registerer prometheus.Registerer
	counter    *prometheus.CounterVec

	mu     sync.Mutex
	counts map[string]uint64
	last   map[string]string
}

// PoisonQueueStats is the per-queue snapshot served by the status API.
type PoisonQueueStats struct {
	Queue     string `json:"queue"`
	Count     uint64 `json:"count"`
	LastError string `json:"last_error,omitempty"`
}

// NewPoisonMetrics creates the counters. Call Register before use.
func NewPoisonMetrics(registerer prometheus.Registerer) *PoisonMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PoisonMetrics{
		registerer: registerer,
		counter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchwatch",
			Name:      "poison_messages_total",
			Help:      "Messages forwarded to the poison queue.",
		}, []string{"queue", "category"}),
		counts: make(map[string]uint64),
		last:   make(map[string]string),
	}
}

// Register adds the counter to the registerer. A counter registered by an
// earlier Service on the same registerer is reused.
func (m *PoisonMetrics) Register() error {
	counter, err := RegisterCollector(m.registerer, m.counter)
	if err != nil {
		return err
	}
	m.counter = counter
	return nil
}

// RegisterCollector registers c, or returns the collector of the same type
// already registered under the same descriptor.
func RegisterCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Record counts one poisoned message for queue.
func (m *PoisonMetrics) Record(queue string, err error) {
	category := defaultErrorClassifier(err)
	m.counter.WithLabelValues(queue, string(category)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[queue]++
	if err != nil {
		m.last[queue] = err.Error()
	}
}

// Snapshot returns the counts per queue sorted by queue name.
func (m *PoisonMetrics) Snapshot() []PoisonQueueStats {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PoisonQueueStats, 0, len(m.counts))
	for queue, count := range m.counts {
		out = append(out, PoisonQueueStats{Queue: queue, Count: count, LastError: m.last[queue]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}
