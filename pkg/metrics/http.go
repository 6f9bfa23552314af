package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/filecollection/pkg/api"
)

type httpMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var httpVecs = onceVecs(func(reg prometheus.Registerer) *httpMetrics {
	return &httpMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecollection_http_requests_total",
				Help: "HTTP requests by collection, method and status code",
			},
			[]string{"collection", "method", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filecollection_http_request_duration_seconds",
				Help:    "HTTP request duration, including body streaming",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collection", "method"},
		),
	}
})

type httpObserver struct {
	m *httpMetrics
}

// NewHTTPMetrics returns the request observer shared by all collection
// handlers, or nil when metrics are disabled.
func NewHTTPMetrics() api.Metrics {
	m := httpVecs()
	if m == nil {
		return nil
	}
	return &httpObserver{m: m}
}

func (o *httpObserver) ObserveRequest(collection, method string, status int, duration time.Duration) {
	o.m.requestsTotal.WithLabelValues(collection, method, strconv.Itoa(status)).Inc()
	o.m.requestDuration.WithLabelValues(collection, method).Observe(duration.Seconds())
}
