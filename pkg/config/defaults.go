package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/filecollection/pkg/collection"
	"github.com/marmos91/filecollection/pkg/store/document"
	"github.com/marmos91/filecollection/pkg/store/lock"
	"github.com/marmos91/filecollection/pkg/upload"
)

// DefaultStoreName is the store name used by the generated configuration.
const DefaultStoreName = "default"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - A config without stores or collections gets one in-memory collection
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoresDefaults(&cfg.Stores)

	if len(cfg.Collections) == 0 {
		cfg.Collections = []CollectionConfig{defaultCollection()}
	}
	for i := range cfg.Collections {
		applyCollectionDefaults(&cfg.Collections[i])
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	// RequestsPerSecond defaults to 0 (unlimited)
	if cfg.HTTP.ReadHeaderTimeout == 0 {
		cfg.HTTP.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyStoresDefaults registers in-memory stores named "default" for every
// kind that has none configured.
func applyStoresDefaults(cfg *StoresConfig) {
	if len(cfg.Documents) == 0 {
		cfg.Documents = map[string]DocumentStoreConfig{DefaultStoreName: {Type: "memory"}}
	}
	if len(cfg.Chunks) == 0 {
		cfg.Chunks = map[string]ChunkStoreConfig{DefaultStoreName: {Type: "memory"}}
	}
	if len(cfg.Locks) == 0 {
		cfg.Locks = map[string]LockStoreConfig{DefaultStoreName: {Type: "memory"}}
	}
}

func defaultCollection() CollectionConfig {
	return CollectionConfig{
		Name:          "files",
		DocumentStore: DefaultStoreName,
		ChunkStore:    DefaultStoreName,
		LockStore:     DefaultStoreName,
		Resumable:     true,
		Rules: []RuleConfig{
			{Operation: "insert", Effect: "allow", When: []string{"authenticated"}},
			{Operation: "update", Effect: "allow", When: []string{"owner:owner"}},
			{Operation: "remove", Effect: "allow", When: []string{"owner:owner"}},
		},
	}
}

// applyCollectionDefaults sets collection defaults.
func applyCollectionDefaults(cfg *CollectionConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = document.DefaultChunkSize
	}

	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = lock.DefaultTTL
	}
	if cfg.Lock.Timeout == 0 {
		cfg.Lock.Timeout = collection.DefaultLockTimeout
	}

	if cfg.Upload.SessionTimeout == 0 {
		cfg.Upload.SessionTimeout = upload.DefaultSessionTimeout
	}
	if cfg.Upload.SweepInterval == 0 {
		cfg.Upload.SweepInterval = upload.DefaultSweepInterval
	}
	if cfg.Upload.MaxChunks == 0 {
		cfg.Upload.MaxChunks = upload.DefaultMaxChunks
	}

	// GC stays disabled unless enabled explicitly
	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = 24 * time.Hour
	}
	if cfg.GC.BatchSize == 0 {
		cfg.GC.BatchSize = 100
	}

	for i := range cfg.Routes {
		for j, method := range cfg.Routes[i].Methods {
			cfg.Routes[i].Methods[j] = strings.ToUpper(method)
		}
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The default stores are persistent badger databases under the data
// directory, so a generated config file survives restarts.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	dbPath := filepath.Join(getDataDir(), "db")

	cfg := &Config{
		Stores: StoresConfig{
			Documents: map[string]DocumentStoreConfig{
				DefaultStoreName: {Type: "badger", Badger: map[string]any{"db_path": dbPath}},
			},
			Chunks: map[string]ChunkStoreConfig{
				DefaultStoreName: {Type: "badger", Badger: map[string]any{"db_path": dbPath}},
			},
			Locks: map[string]LockStoreConfig{
				DefaultStoreName: {Type: "badger", Badger: map[string]any{"db_path": dbPath}},
			},
		},
		Collections: []CollectionConfig{defaultCollection()},
	}

	ApplyDefaults(cfg)
	return cfg
}

// getDataDir returns $XDG_DATA_HOME/filecollection or
// ~/.local/share/filecollection.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "filecollection")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "filecollection")
}
