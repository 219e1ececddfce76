// Package metrics adapts the teacher's log/Metric.go atomic counter store
// (gollum's "any part of gollum can store/modify a metric by name") to this
// agent's domain: lines shipped, parse errors, rotations, transport stalls.
// Values remain available through the original atomic-map API, and are
// additionally exposed as Prometheus gauges so the agent can be scraped in
// production, following the pattern the wider pack uses for this
// (etalazz-vsa and runZeroInc-sockstats both expose prometheus/client_golang
// gauges next to internal counters).
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Store is a named atomic int64 registry, mirrored into Prometheus gauges.
type Store struct {
	mutex sync.Mutex
	ints  map[string]*int64
	gauge *prometheus.GaugeVec
}

// New creates a Store whose Prometheus gauges are registered under the given
// namespace (e.g. "nlship") with a single "name" label carrying the metric
// name, mirroring the teacher's free-form string-keyed map.
func New(namespace string, reg prometheus.Registerer) *Store {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "metric",
		Help:      "Named counters and gauges tracked by the watcher engine.",
	}, []string{"name"})
	if reg != nil {
		reg.MustRegister(gauge)
	}
	return &Store{ints: make(map[string]*int64), gauge: gauge}
}

func (s *Store) ensure(name string) *int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v, ok := s.ints[name]
	if !ok {
		v = new(int64)
		s.ints[name] = v
	}
	return v
}

// Set sets a named metric to an absolute value.
func (s *Store) Set(name string, value int64) {
	atomic.StoreInt64(s.ensure(name), value)
	s.gauge.WithLabelValues(name).Set(float64(value))
}

// Add adds a delta (may be negative) to a named metric.
func (s *Store) Add(name string, delta int64) {
	newVal := atomic.AddInt64(s.ensure(name), delta)
	s.gauge.WithLabelValues(name).Set(float64(newVal))
}

// Get returns the current value of a named metric (0 if never set).
func (s *Store) Get(name string) int64 {
	return atomic.LoadInt64(s.ensure(name))
}

// Snapshot returns a point-in-time copy of all metrics, for the operator
// report file (spec §6 "rpt").
func (s *Store) Snapshot() map[string]int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make(map[string]int64, len(s.ints))
	for k, v := range s.ints {
		out[k] = atomic.LoadInt64(v)
	}
	return out
}
