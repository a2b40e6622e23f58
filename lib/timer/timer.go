// Package timer measures how long functions take. Durations go to a
// prometheus summary; calls slower than SlowThreshold are also logged.
package timer

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var fnDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
	Name: "findex_fn_duration_seconds",
	Help: "Duration of findex operations",
	Objectives: map[float64]float64{
		0.50: 0.05,
		0.90: 0.05,
		0.99: 0.01,
	},
}, []string{"function_name"})

var slowThreshold int64 = int64(time.Second)

// SetSlowThreshold changes the duration above which a call is logged. Zero
// disables logging.
func SetSlowThreshold(d time.Duration) {
	atomic.StoreInt64(&slowThreshold, int64(d))
}

type Timer struct {
	name  string
	start time.Time
}

func Start(funcName string) Timer {
	return Timer{name: funcName, start: time.Now()}
}

// Stop records the elapsed time and returns it.
func (t Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	fnDuration.WithLabelValues(t.name).Observe(elapsed.Seconds())
	if limit := time.Duration(atomic.LoadInt64(&slowThreshold)); limit > 0 && elapsed > limit {
		zap.L().Warn("slow call", zap.String("function", t.name), zap.Duration("elapsed", elapsed))
	}
	return elapsed
}
