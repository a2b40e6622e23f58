package sql

import (
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "findex_sql_conn",
	Help: "Stats about the sql backend's connections",
}, []string{"metric"})

// RecordConnectionStats exports the pool statistics of db. The wait and
// close figures are cumulative counters in database/sql; they are exported
// as gauges and rates are derived downstream.
func RecordConnectionStats(db *sqlx.DB) {
	stats := db.Stats()
	connStats.WithLabelValues("num_open").Set(float64(stats.OpenConnections))
	connStats.WithLabelValues("num_in_use").Set(float64(stats.InUse))
	connStats.WithLabelValues("num_idle").Set(float64(stats.Idle))
	connStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
	connStats.WithLabelValues("wait_duration_ms").Set(float64(stats.WaitDuration.Milliseconds()))
	connStats.WithLabelValues("max_idle_closed").Set(float64(stats.MaxIdleClosed))
	connStats.WithLabelValues("max_lifetime_closed").Set(float64(stats.MaxLifetimeClosed))
}
