package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_SeriesAccounting(t *testing.T) {
	r := NewRecorder()

	r.IncCounter("acks_total", map[string]string{"node": "n1"})
	r.IncCounter("acks_total", map[string]string{"node": "n1"})
	r.IncCounter("acks_total", map[string]string{"node": "n2"})
	r.IncCounter("plain_total", nil)

	assert.Equal(t, 2.0, r.CounterValue("acks_total", map[string]string{"node": "n1"}))
	assert.Equal(t, 1.0, r.CounterValue("acks_total", map[string]string{"node": "n2"}))
	assert.Equal(t, 3.0, r.CounterTotal("acks_total"))
	assert.Equal(t, 1.0, r.CounterTotal("plain_total"))
	assert.Zero(t, r.CounterValue("acks_total", map[string]string{"node": "n3"}))

	r.SetGauge("subs", 4, nil)
	r.SetGauge("subs", 2, nil)
	assert.Equal(t, 2.0, r.GaugeValue("subs", nil))

	r.Observe("latency_ms", 3.5, map[string]string{"map": "m"})
	r.Observe("latency_ms", 7.25, map[string]string{"map": "m"})
	assert.Equal(t, []float64{3.5, 7.25}, r.Observations("latency_ms", map[string]string{"map": "m"}))
	assert.Empty(t, r.Observations("latency_ms", nil))
}

func TestSeriesKey_LabelOrderIndependent(t *testing.T) {
	a := seriesKey("m", map[string]string{"x": "1", "y": "2"})
	b := seriesKey("m", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
	assert.Equal(t, "m", seriesKey("m", nil))
}

func TestPrometheus_RoundTrip(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheus(reg, "hugindb", zerolog.Nop())

	sink.IncCounter("frames_total", map[string]string{"kind": "search"})
	sink.IncCounter("frames_total", map[string]string{"kind": "search"})
	sink.SetGauge("active_subs", 3, nil)
	sink.Observe("merge_ms", 1.25, nil)

	// A later call with mismatched labels is dropped, not a panic.
	sink.IncCounter("frames_total", map[string]string{"other": "x"})

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				byName[fam.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				byName[fam.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, byName["hugindb_frames_total"])
	assert.Equal(t, 3.0, byName["hugindb_active_subs"])
}
