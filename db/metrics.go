package db

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	gatherer prometheus.Gatherer

	changes     prometheus.Counter
	checkpoints prometheus.Counter
	rebuilds    prometheus.Counter
	rewrites    *prometheus.CounterVec
	cacheRows   prometheus.Gauge
}

// newMetrics registers the engine collectors with registerer, or with a
// private registry when registerer is nil.
func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitydb_changes_appended_total",
			Help: "Tracked changes appended to the change log.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitydb_checkpoints_total",
			Help: "Checkpoints that sealed a change set.",
		}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitydb_cache_rebuilds_total",
			Help: "Full state cache rebuilds from the change log.",
		}),
		rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitydb_rewrites_total",
			Help: "Statements seen by the rewriter, by outcome.",
		}, []string{"result"}),
		cacheRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "entitydb_cache_rows",
			Help: "Rows held by the state cache.",
		}),
	}

	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer = registry
		m.gatherer = registry
	} else if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = gatherer
	}

	for _, collector := range []prometheus.Collector{m.changes, m.checkpoints, m.rebuilds, m.rewrites, m.cacheRows} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
