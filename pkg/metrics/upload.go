package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/filecollection/pkg/upload"
)

type uploadMetrics struct {
	chunksTotal      *prometheus.CounterVec
	chunkBytes       *prometheus.CounterVec
	finalizeTotal    *prometheus.CounterVec
	finalizeDuration *prometheus.HistogramVec
	activeSessions   *prometheus.GaugeVec
}

var uploadVecs = onceVecs(func(reg prometheus.Registerer) *uploadMetrics {
	return &uploadMetrics{
		chunksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecollection_upload_chunks_total",
				Help: "Chunks accepted by resumable upload sessions",
			},
			[]string{"collection"},
		),
		chunkBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecollection_upload_chunk_bytes_total",
				Help: "Bytes accepted by resumable upload sessions",
			},
			[]string{"collection"},
		),
		finalizeTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecollection_upload_finalize_total",
				Help: "Finalize attempts by outcome",
			},
			[]string{"collection", "outcome"},
		),
		finalizeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filecollection_upload_finalize_duration_seconds",
				Help:    "Duration of finalize, including the digest pass over all chunks",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
			},
			[]string{"collection", "outcome"},
		),
		activeSessions: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "filecollection_upload_active_sessions",
				Help: "Open resumable upload sessions",
			},
			[]string{"collection"},
		),
	}
})

type uploadObserver struct {
	collection string
	m          *uploadMetrics
}

// NewUploadMetrics returns the upload manager observer for one collection,
// or nil when metrics are disabled.
func NewUploadMetrics(collection string) upload.Metrics {
	m := uploadVecs()
	if m == nil {
		return nil
	}
	return &uploadObserver{collection: collection, m: m}
}

func (o *uploadObserver) RecordChunk(size int) {
	o.m.chunksTotal.WithLabelValues(o.collection).Inc()
	o.m.chunkBytes.WithLabelValues(o.collection).Add(float64(size))
}

func (o *uploadObserver) ObserveFinalize(outcome string, duration time.Duration) {
	o.m.finalizeTotal.WithLabelValues(o.collection, outcome).Inc()
	o.m.finalizeDuration.WithLabelValues(o.collection, outcome).Observe(duration.Seconds())
}

func (o *uploadObserver) SetActiveSessions(n int) {
	o.m.activeSessions.WithLabelValues(o.collection).Set(float64(n))
}
