package epoch

// metrics.go mirrors the teacher cache package's metricsSink split: a no-op
// implementation that costs nothing on the hot path, and a Prometheus-backed
// one enabled explicitly via SetMetrics. tick() and Defer() report ticks
// and deferred-call depth; Enter, Leave and Resume update only the
// active-client gauge, when a client's outermost bracket opens or closes.
//
// © 2025 lfht authors. MIT License.

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsSink interface {
	incTick()
	setActiveClients(n int64)
	addDeferredDepth(delta int64)
}

type noopMetrics struct{}

func (noopMetrics) incTick()                {}
func (noopMetrics) setActiveClients(int64)  {}
func (noopMetrics) addDeferredDepth(int64)  {}

type promMetrics struct {
	ticks          prometheus.Counter
	activeClients  prometheus.Gauge
	deferredDepth  prometheus.Gauge
	deferredMirror atomic.Int64
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfht_epoch",
			Name:      "ticks_total",
			Help:      "Number of times the global epoch has advanced.",
		}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lfht_epoch",
			Name:      "active_clients",
			Help:      "Number of client records with an open bracket.",
		}),
		deferredDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lfht_epoch",
			Name:      "deferred_depth",
			Help:      "Approximate number of deferred callbacks awaiting a tick.",
		}),
	}
	reg.MustRegister(pm.ticks, pm.activeClients, pm.deferredDepth)
	return pm
}

func (m *promMetrics) incTick() { m.ticks.Inc() }

func (m *promMetrics) setActiveClients(n int64) { m.activeClients.Set(float64(n)) }

func (m *promMetrics) addDeferredDepth(delta int64) {
	v := m.deferredMirror.Add(delta)
	m.deferredDepth.Set(float64(v))
}

type metricsSinkBox struct{ s metricsSink }

var sink atomic.Pointer[metricsSinkBox]

func init() {
	sink.Store(&metricsSinkBox{s: noopMetrics{}})
}

// SetMetrics registers Prometheus collectors against reg and switches the
// service to report through them. Passing nil restores the no-op sink.
func SetMetrics(reg *prometheus.Registry) {
	if reg == nil {
		sink.Store(&metricsSinkBox{s: noopMetrics{}})
		return
	}
	sink.Store(&metricsSinkBox{s: newPromMetrics(reg)})
}

func metricsSinkCurrent() metricsSink { return sink.Load().s }
