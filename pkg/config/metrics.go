package config

import (
	"github.com/marmos91/filecollection/pkg/metrics"
)

// InitializeMetrics prepares metrics collection based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry, so the per-component
//     constructors used by InitializeRegistry return live collectors
//   - Creates the metrics HTTP server
//
// If metrics are disabled it returns nil and every component keeps its
// no-op observer (zero overhead).
//
// Must be called before InitializeRegistry.
func InitializeMetrics(cfg *Config) *metrics.Server {
	if !cfg.Server.Metrics.Enabled {
		return nil
	}

	metrics.InitRegistry()

	return metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Server.Metrics.Port,
	})
}
