// Package metrics defines the measurement sink injected into the
// search and coordinator layers. Components never talk to a global
// registry; they call the sink they were constructed with. Production
// wires the Prometheus implementation, tests use Recorder or Noop.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Sink receives measurements. Implementations must be safe for
// concurrent use and must never panic: a broken metric must not take
// down the data path.
type Sink interface {
	IncCounter(name string, labels map[string]string)
	Observe(name string, v float64, labels map[string]string)
	SetGauge(name string, v float64, labels map[string]string)
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) IncCounter(string, map[string]string)       {}
func (Noop) Observe(string, float64, map[string]string) {}
func (Noop) SetGauge(string, float64, map[string]string) {}

// Recorder is a test double that keeps everything it was handed.
type Recorder struct {
	mu           sync.Mutex
	counters     map[string]float64
	gauges       map[string]float64
	observations map[string][]float64
}

func NewRecorder() *Recorder {
	return &Recorder{
		counters:     make(map[string]float64),
		gauges:       make(map[string]float64),
		observations: make(map[string][]float64),
	}
}

func (r *Recorder) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[seriesKey(name, labels)]++
}

func (r *Recorder) Observe(name string, v float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := seriesKey(name, labels)
	r.observations[k] = append(r.observations[k], v)
}

func (r *Recorder) SetGauge(name string, v float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[seriesKey(name, labels)] = v
}

// CounterValue returns the current count for one series, zero if the
// series was never incremented.
func (r *Recorder) CounterValue(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, labels)]
}

// CounterTotal sums every series of a counter regardless of labels.
func (r *Recorder) CounterTotal(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0.0
	for k, v := range r.counters {
		if k == name || strings.HasPrefix(k, name+"{") {
			total += v
		}
	}
	return total
}

// GaugeValue returns the last value set for one series.
func (r *Recorder) GaugeValue(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[seriesKey(name, labels)]
}

// Observations returns every value observed for one series.
func (r *Recorder) Observations(name string, labels map[string]string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	obs := r.observations[seriesKey(name, labels)]
	out := make([]float64, len(obs))
	copy(out, obs)
	return out
}

// seriesKey flattens name plus sorted labels into a stable map key.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
