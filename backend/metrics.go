package backend

import (
	"findex/lib/findex"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findex_backend_ops_total",
		Help: "Number of backend operations",
	}, []string{"backend", "op", "table"})
	uidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findex_backend_uids_total",
		Help: "Number of uids touched by backend operations",
	}, []string{"backend", "op", "table"})
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findex_backend_conflicts_total",
		Help: "Number of uids rejected by conditional upserts",
	}, []string{"backend"})
)

// Observe records one operation touching n uids.
func Observe(backend, op string, table findex.Table, n int) {
	opsTotal.WithLabelValues(backend, op, table.String()).Inc()
	uidsTotal.WithLabelValues(backend, op, table.String()).Add(float64(n))
}

func ObserveConflicts(backend string, n int) {
	if n > 0 {
		conflictsTotal.WithLabelValues(backend).Add(float64(n))
	}
}
