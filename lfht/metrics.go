package lfht

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type replaceReason uint8

const (
	reasonDouble replaceReason = iota
	reasonRehash
	reasonRemask
)

func (r replaceReason) String() string {
	switch r {
	case reasonDouble:
		return "double"
	case reasonRehash:
		return "rehash"
	case reasonRemask:
		return "remask"
	default:
		return "unknown"
	}
}

type metricsSink interface {
	incAdd()
	incDelete()
	incLookup()
	incReplace(reason replaceReason)
	incHalt()
	setGenerations(n int)
	setMigrationRemaining(n int64)
}

type noopMetrics struct{}

func (noopMetrics) incAdd()                         {}
func (noopMetrics) incDelete()                      {}
func (noopMetrics) incLookup()                       {}
func (noopMetrics) incReplace(replaceReason)        {}
func (noopMetrics) incHalt()                        {}
func (noopMetrics) setGenerations(int)              {}
func (noopMetrics) setMigrationRemaining(int64)     {}

type promMetrics struct {
	adds, deletes, lookups, halts prometheus.Counter
	replacements                  *prometheus.CounterVec
	generations                   prometheus.Gauge
	migrationRemaining            prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		adds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfht", Name: "adds_total", Help: "Number of successful Add calls.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfht", Name: "deletes_total", Help: "Number of successful delete calls.",
		}),
		lookups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfht", Name: "lookups_total", Help: "Number of GetFirst calls.",
		}),
		halts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfht", Name: "migration_halts_total", Help: "Number of times migration halted on probe exhaustion.",
		}),
		replacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lfht", Name: "table_replacements_total", Help: "Number of table generation replacements by reason.",
		}, []string{"reason"}),
		generations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lfht", Name: "generations", Help: "Number of live table generations.",
		}),
		migrationRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lfht", Name: "migration_entries_remaining", Help: "Approximate entries left to migrate out of older generations.",
		}),
	}
	reg.MustRegister(pm.adds, pm.deletes, pm.lookups, pm.halts, pm.replacements, pm.generations, pm.migrationRemaining)
	return pm
}

func (m *promMetrics) incAdd()    { m.adds.Inc() }
func (m *promMetrics) incDelete() { m.deletes.Inc() }
func (m *promMetrics) incLookup() { m.lookups.Inc() }
func (m *promMetrics) incHalt()   { m.halts.Inc() }
func (m *promMetrics) incReplace(reason replaceReason) {
	m.replacements.WithLabelValues(strconv.Itoa(int(reason))).Inc()
}
func (m *promMetrics) setGenerations(n int)             { m.generations.Set(float64(n)) }
func (m *promMetrics) setMigrationRemaining(n int64)    { m.migrationRemaining.Set(float64(n)) }

func newMetricsSink[T any](cfg *config[T]) metricsSink {
	if cfg.registry == nil {
		return noopMetrics{}
	}
	return newPromMetrics(cfg.registry)
}
