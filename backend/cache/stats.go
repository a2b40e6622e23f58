package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ristrettoStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "findex_ristretto_stats",
	Help: "Metrics for ristretto caches",
}, []string{"name", "metric"})

func reportPeriodically(name string, c *ristretto.Cache, period time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			ristrettoStats.WithLabelValues(name, "hits").Set(float64(c.Metrics.Hits()))
			ristrettoStats.WithLabelValues(name, "misses").Set(float64(c.Metrics.Misses()))
			ristrettoStats.WithLabelValues(name, "ratio").Set(c.Metrics.Ratio())
			ristrettoStats.WithLabelValues(name, "sets_dropped").Set(float64(c.Metrics.SetsDropped()))
			ristrettoStats.WithLabelValues(name, "sets_rejected").Set(float64(c.Metrics.SetsRejected()))
			ristrettoStats.WithLabelValues(name, "size").Set(float64(c.Metrics.CostAdded() - c.Metrics.CostEvicted()))
		}
	}()
}
