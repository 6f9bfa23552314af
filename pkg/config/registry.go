package config

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/api"
	"github.com/marmos91/filecollection/pkg/auth"
	"github.com/marmos91/filecollection/pkg/collection"
	"github.com/marmos91/filecollection/pkg/gc"
	"github.com/marmos91/filecollection/pkg/metrics"
	"github.com/marmos91/filecollection/pkg/registry"
	"github.com/marmos91/filecollection/pkg/store/lock"
	"github.com/marmos91/filecollection/pkg/upload"
)

// InitializeRegistry creates a fully configured Registry from the provided configuration.
//
// This function orchestrates the complete initialization process:
//  1. Creates and registers all document, chunk and lock stores
//  2. Builds every collection from the stores it references
//
// Badger databases are opened once per path and closed by Registry.Close.
// On failure every store opened so far is closed.
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	reg, err := config.InitializeRegistry(ctx, cfg)
//	if err != nil {
//	    log.Fatalf("Failed to initialize registry: %v", err)
//	}
//	defer reg.Close()
func InitializeRegistry(ctx context.Context, cfg *Config) (*registry.Registry, error) {
	logger.Debug("Initializing registry from configuration")

	if err := validateRegistryConfig(cfg); err != nil {
		return nil, err
	}

	reg := registry.NewRegistry()
	pool := newDBPool(reg)

	fail := func(err error) (*registry.Registry, error) {
		if cerr := reg.Close(); cerr != nil {
			logger.Warn("Failed to close stores after initialization error: %v", cerr)
		}
		return nil, err
	}

	if err := registerStores(ctx, reg, pool, cfg); err != nil {
		return fail(err)
	}
	logger.Debug("Registered %d document, %d chunk and %d lock store(s)",
		reg.CountDocumentStores(), reg.CountChunkStores(), reg.CountLockStores())

	if err := addCollections(ctx, reg, cfg); err != nil {
		return fail(fmt.Errorf("failed to add collections: %w", err))
	}
	logger.Debug("Registered %d collection(s)", reg.CountCollections())

	return reg, nil
}

// validateRegistryConfig performs basic validation on the configuration.
func validateRegistryConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if len(cfg.Collections) == 0 {
		return fmt.Errorf("no collections configured: at least one collection is required")
	}
	return nil
}

// registerStores creates and registers all configured stores. Entries are
// created in name order so errors are reproducible.
func registerStores(ctx context.Context, reg *registry.Registry, pool *dbPool, cfg *Config) error {
	for _, name := range sortedKeys(cfg.Stores.Documents) {
		storeCfg := cfg.Stores.Documents[name]
		logger.Debug("Creating document store %q (type: %s)", name, storeCfg.Type)

		provider, err := createDocumentStore(storeCfg, pool)
		if err != nil {
			return fmt.Errorf("failed to create document store %q: %w", name, err)
		}
		if err := reg.RegisterDocumentStore(name, provider); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(cfg.Stores.Chunks) {
		storeCfg := cfg.Stores.Chunks[name]
		logger.Debug("Creating chunk store %q (type: %s)", name, storeCfg.Type)

		provider, err := createChunkStore(ctx, storeCfg, pool)
		if err != nil {
			return fmt.Errorf("failed to create chunk store %q: %w", name, err)
		}
		if err := reg.RegisterChunkStore(name, provider); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(cfg.Stores.Locks) {
		storeCfg := cfg.Stores.Locks[name]
		logger.Debug("Creating lock store %q (type: %s)", name, storeCfg.Type)

		coord, err := createLockStore(ctx, storeCfg, pool)
		if err != nil {
			return fmt.Errorf("failed to create lock store %q: %w", name, err)
		}
		if err := reg.RegisterLockStore(name, coord); err != nil {
			return err
		}
	}

	return nil
}

// addCollections builds and registers all configured collections.
func addCollections(ctx context.Context, reg *registry.Registry, cfg *Config) error {
	httpMetrics := metrics.NewHTTPMetrics()

	for _, collCfg := range cfg.Collections {
		logger.Debug("Adding collection %q (documents: %s, chunks: %s, locks: %s)",
			collCfg.Name, collCfg.DocumentStore, collCfg.ChunkStore, collCfg.LockStore)

		regCfg, err := collectionRegistryConfig(collCfg)
		if err != nil {
			return fmt.Errorf("collection %q: %w", collCfg.Name, err)
		}
		regCfg.Handler.Metrics = httpMetrics

		entry, err := reg.AddCollection(ctx, regCfg)
		if err != nil {
			return fmt.Errorf("failed to add collection %q: %w", collCfg.Name, err)
		}

		logger.Info("Collection %q served at %s (chunk size %d, resumable %v)",
			collCfg.Name, entry.Handler.BasePath(), collCfg.ChunkSize, collCfg.Resumable)
	}

	return nil
}

// collectionRegistryConfig converts one collection section into the
// registry's form.
func collectionRegistryConfig(cfg CollectionConfig) (*registry.CollectionConfig, error) {
	routes, err := buildRoutes(cfg.Routes)
	if err != nil {
		return nil, err
	}

	rules := make([]registry.AccessRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rules = append(rules, registry.AccessRule{
			Operation: auth.Operation(rule.Operation),
			Effect:    registry.Effect(rule.Effect),
			When:      rule.When,
		})
	}

	return &registry.CollectionConfig{
		Name:          cfg.Name,
		DocumentStore: cfg.DocumentStore,
		ChunkStore:    cfg.ChunkStore,
		LockStore:     cfg.LockStore,
		ChunkSize:     cfg.ChunkSize,
		Lock: lock.Config{
			TTL:     cfg.Lock.TTL,
			Metrics: metrics.NewLockMetrics(cfg.Name),
		},
		Collection: collection.Config{
			LockTimeout: cfg.Lock.Timeout,
			Upload: upload.Config{
				SessionTimeout: cfg.Upload.SessionTimeout,
				SweepInterval:  cfg.Upload.SweepInterval,
				MaxChunks:      cfg.Upload.MaxChunks,
				LockTimeout:    cfg.Lock.Timeout,
				Metrics:        metrics.NewUploadMetrics(cfg.Name),
			},
		},
		Handler: api.Config{
			BasePath:  cfg.BasePath,
			Resumable: cfg.Resumable,
		},
		Routes: routes,
		Rules:  rules,
		GC: gc.Config{
			Enabled:   cfg.GC.Enabled,
			Interval:  cfg.GC.Interval,
			BatchSize: cfg.GC.BatchSize,
			DryRun:    cfg.GC.DryRun,
		},
	}, nil
}

// buildRoutes expands route sections into one api.Route per method. No
// sections yields nil, selecting the default routes.
func buildRoutes(configs []RouteConfig) ([]api.Route, error) {
	if len(configs) == 0 {
		return nil, nil
	}

	var routes []api.Route
	for i, rc := range configs {
		if len(rc.Filter) == 0 {
			return nil, fmt.Errorf("routes[%d]: filter is required", i)
		}
		filter := api.FilterTemplate(rc.Filter)
		for _, method := range rc.Methods {
			switch method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
			default:
				return nil, fmt.Errorf("routes[%d]: unsupported method %q", i, method)
			}
			routes = append(routes, api.Route{Method: method, Pattern: rc.Pattern, Filter: filter})
		}
	}
	return routes, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
