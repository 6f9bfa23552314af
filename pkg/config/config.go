package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete filecollection configuration.
//
// This structure captures all configurable aspects of the server including:
//   - Logging configuration
//   - Server-wide settings (HTTP listener, metrics, shutdown)
//   - Named store definitions (documents, chunks, locks)
//   - Collection definitions referencing those stores
//
// Configuration sources (in order of precedence):
//  1. Environment variables (FILECOLLECTION_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store entry selects an implementation with Type and carries
// type-specific sections (e.g. badger, s3). Only the section matching the
// selected type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Stores defines the named stores collections can reference
	Stores StoresConfig `mapstructure:"stores"`

	// Collections defines the file collections to serve
	Collections []CollectionConfig `mapstructure:"collections" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// HTTP configures the collection listener
	HTTP HTTPConfig `mapstructure:"http"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// HTTPConfig configures the HTTP listener serving every collection.
type HTTPConfig struct {
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// RequestsPerSecond per client IP; 0 disables rate limiting
	RequestsPerSecond uint `mapstructure:"requests_per_second"`

	// Burst is the bucket size (0 = requests_per_second)
	Burst uint `mapstructure:"burst"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
}

// MetricsConfig configures the metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// StoresConfig holds the named store definitions.
type StoresConfig struct {
	Documents map[string]DocumentStoreConfig `mapstructure:"documents" validate:"dive"`
	Chunks    map[string]ChunkStoreConfig    `mapstructure:"chunks" validate:"dive"`
	Locks     map[string]LockStoreConfig     `mapstructure:"locks" validate:"dive"`
}

// DocumentStoreConfig specifies one document store.
type DocumentStoreConfig struct {
	// Type specifies which implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger is used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// ChunkStoreConfig specifies one chunk store.
type ChunkStoreConfig struct {
	// Type specifies which implementation to use
	// Valid values: memory, badger, s3
	Type string `mapstructure:"type" validate:"required,oneof=memory badger s3"`

	// Badger is used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// S3 is used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// LockStoreConfig specifies one lock coordination store.
type LockStoreConfig struct {
	// Type specifies which implementation to use
	// Valid values: memory (single process), badger (single process,
	// persistent), redis (shared by several processes)
	Type string `mapstructure:"type" validate:"required,oneof=memory badger redis"`

	// Badger is used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// Redis is used when Type = "redis"
	Redis map[string]any `mapstructure:"redis"`
}

// CollectionConfig defines a single file collection.
type CollectionConfig struct {
	// Name prefixes the persisted collections (<name>.files, ...)
	Name string `mapstructure:"name" validate:"required"`

	// Names of entries under stores
	DocumentStore string `mapstructure:"document_store" validate:"required"`
	ChunkStore    string `mapstructure:"chunk_store" validate:"required"`
	LockStore     string `mapstructure:"lock_store" validate:"required"`

	// ChunkSize is the chunk size of new files in bytes
	ChunkSize int64 `mapstructure:"chunk_size" validate:"gt=0"`

	// BasePath is the URL prefix (default /store/<name>)
	BasePath string `mapstructure:"base_path" validate:"omitempty,startswith=/"`

	// Resumable enables the resumable.js endpoints
	Resumable bool `mapstructure:"resumable"`

	// Lock configures leases on the collection's files
	Lock LockConfig `mapstructure:"lock"`

	// Upload configures resumable upload sessions
	Upload UploadConfig `mapstructure:"upload"`

	// GC configures the orphan chunk collector
	GC GCConfig `mapstructure:"gc"`

	// Routes maps URLs to file documents (empty = /id/:_id and /:filename)
	Routes []RouteConfig `mapstructure:"routes" validate:"dive"`

	// Rules are the authorization rules, evaluated deny-first in order
	Rules []RuleConfig `mapstructure:"rules" validate:"dive"`
}

// LockConfig configures the lease manager.
type LockConfig struct {
	// TTL is the lease lifetime renewed by heartbeats
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// Timeout bounds the wait for a lease
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// UploadConfig configures resumable upload sessions.
type UploadConfig struct {
	// SessionTimeout drops sessions idle for longer
	SessionTimeout time.Duration `mapstructure:"session_timeout" validate:"gt=0"`

	// SweepInterval is how often idle sessions are looked for
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`

	// MaxChunks caps the chunk count of one registration
	MaxChunks uint32 `mapstructure:"max_chunks" validate:"gt=0"`
}

// GCConfig configures the orphan chunk collector.
type GCConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
	DryRun    bool          `mapstructure:"dry_run"`
}

// RouteConfig declares one route.
//
// Filter maps document fields to values: ":name" takes a path parameter,
// "?name" a query parameter, anything else is literal.
type RouteConfig struct {
	Methods []string          `mapstructure:"methods" validate:"required,min=1,dive,oneof=GET POST PUT DELETE get post put delete"`
	Pattern string            `mapstructure:"pattern" validate:"required,startswith=/"`
	Filter  map[string]string `mapstructure:"filter" validate:"required,min=1"`
}

// RuleConfig declares one authorization rule.
type RuleConfig struct {
	// Operation is insert, update or remove
	Operation string `mapstructure:"operation" validate:"required,oneof=insert update remove"`

	// Effect is allow or deny
	Effect string `mapstructure:"effect" validate:"required,oneof=allow deny"`

	// When lists conditions that must all hold (empty = always)
	When []string `mapstructure:"when"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FILECOLLECTION_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location,
//     where a missing file means defaults only)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	// Only the default location may be absent
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// envKeys lists the scalar keys bound to environment variables. Viper's
// AutomaticEnv only affects keys it already knows about, so keys absent
// from the config file must be bound explicitly.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.shutdown_timeout",
	"server.http.port",
	"server.http.requests_per_second",
	"server.http.burst",
	"server.metrics.enabled",
	"server.metrics.port",
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use FILECOLLECTION_ prefix and underscores
	// Example: FILECOLLECTION_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("FILECOLLECTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/filecollection/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "filecollection")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "filecollection")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
