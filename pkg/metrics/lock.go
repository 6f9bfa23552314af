package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/filecollection/pkg/store/lock"
)

type lockMetrics struct {
	acquireTotal *prometheus.CounterVec
	waitDuration *prometheus.HistogramVec
	reclaimed    *prometheus.CounterVec
}

var lockVecs = onceVecs(func(reg prometheus.Registerer) *lockMetrics {
	return &lockMetrics{
		acquireTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecollection_lock_acquire_total",
				Help: "Lease acquisitions by collection, mode and outcome",
			},
			[]string{"collection", "mode", "outcome"},
		),
		waitDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "filecollection_lock_wait_seconds",
				Help: "Time spent waiting for a lease",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.025, // 25ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
					30.0,  // 30s
				},
			},
			[]string{"collection", "mode"},
		),
		reclaimed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecollection_lock_reclaimed_total",
				Help: "Expired leases removed from lock records",
			},
			[]string{"collection"},
		),
	}
})

type lockObserver struct {
	collection string
	m          *lockMetrics
}

// NewLockMetrics returns the lock manager observer for one collection, or
// nil when metrics are disabled.
func NewLockMetrics(collection string) lock.Metrics {
	m := lockVecs()
	if m == nil {
		return nil
	}
	return &lockObserver{collection: collection, m: m}
}

func (o *lockObserver) ObserveAcquire(mode lock.Mode, waited time.Duration, outcome string) {
	o.m.acquireTotal.WithLabelValues(o.collection, string(mode), outcome).Inc()
	o.m.waitDuration.WithLabelValues(o.collection, string(mode)).Observe(waited.Seconds())
}

func (o *lockObserver) RecordReclaimed(count int) {
	o.m.reclaimed.WithLabelValues(o.collection).Add(float64(count))
}
