package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Prometheus adapts a prometheus.Registry to the Sink interface. Vecs
// are created on first use of a metric name; that first use fixes the
// label keys for the series. Later calls with a different label set are
// logged and dropped rather than panicking.
type Prometheus struct {
	mu        sync.Mutex
	registry  *prometheus.Registry
	namespace string
	log       zerolog.Logger

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheus builds a sink registering its vecs on reg under the
// given namespace.
func NewPrometheus(reg *prometheus.Registry, namespace string, log zerolog.Logger) *Prometheus {
	return &Prometheus{
		registry:   reg,
		namespace:  namespace,
		log:        log.With().Str("component", "metrics").Logger(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry exposes the underlying registry for the HTTP handler.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) IncCounter(name string, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
		}, labelKeys(labels))
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWith(labels)
	if err != nil {
		p.log.Warn().Err(err).Str("metric", name).Msg("Counter label mismatch, measurement dropped")
		return
	}
	c.Inc()
}

func (p *Prometheus) Observe(name string, v float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelKeys(labels))
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	h, err := vec.GetMetricWith(labels)
	if err != nil {
		p.log.Warn().Err(err).Str("metric", name).Msg("Histogram label mismatch, measurement dropped")
		return
	}
	h.Observe(v)
}

func (p *Prometheus) SetGauge(name string, v float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
		}, labelKeys(labels))
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWith(labels)
	if err != nil {
		p.log.Warn().Err(err).Str("metric", name).Msg("Gauge label mismatch, measurement dropped")
		return
	}
	g.Set(v)
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
