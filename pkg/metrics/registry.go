// Package metrics provides Prometheus metrics for the filecollection stores,
// upload sessions and HTTP handlers.
//
// All metrics are optional: if the registry is not initialized the
// constructors return nil and components fall back to no-op observers.
//
// Usage:
//
//	metrics.InitRegistry()
//
//	lockMetrics := metrics.NewLockMetrics("media")
//	s3Metrics := metrics.NewS3Metrics("media")
//
//	// Or pass nil for no-op behavior
//	locks := lock.NewManager(coord, lock.Config{Metrics: nil})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all filecollection metrics
	// Protected by registryOnce for write-once, read-many pattern
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It's safe to call
// multiple times - subsequent calls are ignored.
//
// If not called, GetRegistry() will return nil and all metrics constructors
// will return no-op implementations.
//
// Thread safety:
// sync.Once provides the necessary memory barriers to ensure the registry
// write is visible to all subsequent reads.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry() has not been called, indicating metrics
// are disabled.
//
// Thread safety:
// Safe to call concurrently. The sync.Once in InitRegistry() provides
// a happens-before relationship ensuring the registry value is visible.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
//
// Metrics are enabled if InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// onceVecs defers metric vector registration until the first constructor
// call made after InitRegistry. Vectors are shared by every collection and
// told apart by the "collection" label, so repeated constructors never
// register a collector twice.
func onceVecs[T any](build func(reg prometheus.Registerer) *T) func() *T {
	var (
		once sync.Once
		vecs *T
	)
	return func() *T {
		reg := GetRegistry()
		if reg == nil {
			return nil
		}
		once.Do(func() {
			vecs = build(reg)
		})
		return vecs
	}
}
