package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/filecollection/pkg/store/chunk/s3"
)

// s3Metrics is the Prometheus implementation of s3.Metrics.
type s3Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

var s3Vecs = onceVecs(func(reg prometheus.Registerer) *s3Metrics {
	return &s3Metrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecollection_s3_operations_total",
				Help: "Total number of S3 chunk store operations by collection, operation and status",
			},
			[]string{"collection", "operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "filecollection_s3_operation_duration_seconds",
				Help: "Duration of S3 chunk store operations in seconds",
				Buckets: []float64{
					0.01,  // 10ms
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
					10.0,  // 10s
				},
			},
			[]string{"collection", "operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecollection_s3_bytes_transferred_total",
				Help: "Total chunk bytes moved to or from S3",
			},
			[]string{"collection", "direction"},
		),
	}
})

type s3Observer struct {
	collection string
	m          *s3Metrics
}

// NewS3Metrics returns the S3 chunk store observer for one collection.
//
// Returns nil if metrics are not enabled, which makes the store use its
// built-in no-op implementation.
func NewS3Metrics(collection string) s3.Metrics {
	m := s3Vecs()
	if m == nil {
		return nil
	}
	return &s3Observer{collection: collection, m: m}
}

// ObserveOperation implements s3.Metrics.
func (o *s3Observer) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	o.m.operationsTotal.WithLabelValues(o.collection, operation, status).Inc()
	o.m.operationDuration.WithLabelValues(o.collection, operation).Observe(duration.Seconds())
}

// RecordBytes implements s3.Metrics; direction is "read" or "write".
func (o *s3Observer) RecordBytes(direction string, bytes int64) {
	o.m.bytesTransferred.WithLabelValues(o.collection, direction).Add(float64(bytes))
}
