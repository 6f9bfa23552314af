package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{
		Collections: []CollectionConfig{{
			Name:          "media",
			DocumentStore: DefaultStoreName,
			ChunkStore:    DefaultStoreName,
			LockStore:     DefaultStoreName,
		}},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Valid config failed validation: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "VERBOSE"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "Level") {
		t.Errorf("Expected error to mention Level, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidStoreType(t *testing.T) {
	cfg := validConfig()
	cfg.Stores.Chunks["default"] = ChunkStoreConfig{Type: "filesystem"}

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid chunk store type")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.HTTP.Port = 70000

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for port out of range")
	}
}

func TestValidate_InvalidShutdownTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ShutdownTimeout = -time.Second

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for negative shutdown timeout")
	}
}

func TestValidate_NoCollections(t *testing.T) {
	cfg := validConfig()
	cfg.Collections = nil

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for no collections")
	}
	if !strings.Contains(err.Error(), "at least one collection") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidate_CollectionName(t *testing.T) {
	for _, name := range []string{"my files", "a/b", "x.y"} {
		cfg := validConfig()
		cfg.Collections[0].Name = name

		if err := Validate(cfg); err == nil {
			t.Errorf("Expected validation error for collection name %q", name)
		}
	}
}

func TestValidate_DuplicateCollectionNames(t *testing.T) {
	cfg := validConfig()
	dup := cfg.Collections[0]
	dup.BasePath = "/other"
	cfg.Collections = append(cfg.Collections, dup)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for duplicate names")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidate_BasePathConflict(t *testing.T) {
	cfg := validConfig()
	other := cfg.Collections[0]
	other.Name = "other"
	other.BasePath = "/store/media"
	cfg.Collections = append(cfg.Collections, other)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for a base path used twice")
	}
	if !strings.Contains(err.Error(), "base path") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidate_BasePathMustStartWithSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Collections[0].BasePath = "files"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for relative base path")
	}
}

func TestValidate_UndefinedStores(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CollectionConfig)
		want   string
	}{
		{"document", func(c *CollectionConfig) { c.DocumentStore = "nope" }, "document store"},
		{"chunk", func(c *CollectionConfig) { c.ChunkStore = "nope" }, "chunk store"},
		{"lock", func(c *CollectionConfig) { c.LockStore = "nope" }, "lock store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg.Collections[0])

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_SweepIntervalExceedsTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Collections[0].Upload.SessionTimeout = time.Minute
	cfg.Collections[0].Upload.SweepInterval = time.Hour

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for sweep interval above session timeout")
	}
}

func TestValidate_InvalidRoute(t *testing.T) {
	cfg := validConfig()
	cfg.Collections[0].Routes = []RouteConfig{{
		Methods: []string{"PATCH"},
		Pattern: "/:name",
		Filter:  map[string]string{"filename": ":name"},
	}}

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unsupported route method")
	}
}

func TestValidate_InvalidRule(t *testing.T) {
	cfg := validConfig()
	cfg.Collections[0].Rules = []RuleConfig{{Operation: "read", Effect: "allow"}}

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown rule operation")
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level normalized to 'WARN', got %q", cfg.Logging.Level)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Normalized config failed validation: %v", err)
	}
}
