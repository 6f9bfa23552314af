package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/metrics"
	"github.com/marmos91/filecollection/pkg/registry"
	"github.com/marmos91/filecollection/pkg/store/chunk"
	chunkbadger "github.com/marmos91/filecollection/pkg/store/chunk/badger"
	chunkmemory "github.com/marmos91/filecollection/pkg/store/chunk/memory"
	"github.com/marmos91/filecollection/pkg/store/chunk/s3"
	"github.com/marmos91/filecollection/pkg/store/document"
	docbadger "github.com/marmos91/filecollection/pkg/store/document/badger"
	docmemory "github.com/marmos91/filecollection/pkg/store/document/memory"
	"github.com/marmos91/filecollection/pkg/store/lock"
	lockbadger "github.com/marmos91/filecollection/pkg/store/lock/badger"
	lockmemory "github.com/marmos91/filecollection/pkg/store/lock/memory"
	lockredis "github.com/marmos91/filecollection/pkg/store/lock/redis"
)

// badgerYAMLConfig represents the badger section of any store.
type badgerYAMLConfig struct {
	// DBPath is the database directory. Stores naming the same path share
	// one database.
	DBPath string `mapstructure:"db_path"`

	// InMemory keeps the database in memory (tests, ephemeral setups)
	InMemory bool `mapstructure:"in_memory"`

	SyncWrites bool `mapstructure:"sync_writes"`
}

// s3YAMLConfig represents S3 configuration loaded from YAML files.
type s3YAMLConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// redisYAMLConfig represents the redis lock store section.
type redisYAMLConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// KeyTTL expires lock records left behind by crashed processes
	KeyTTL time.Duration `mapstructure:"key_ttl"`
}

// decodeSection decodes a type-specific map with duration string support.
func decodeSection(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// ============================================================================
// Shared badger databases
// ============================================================================

// dbPool opens each badger database once, however many stores use it.
type dbPool struct {
	mu  sync.Mutex
	dbs map[string]*badger.DB
	reg *registry.Registry
}

func newDBPool(reg *registry.Registry) *dbPool {
	return &dbPool{dbs: make(map[string]*badger.DB), reg: reg}
}

func (p *dbPool) open(section map[string]any) (*badger.DB, error) {
	var cfg badgerYAMLConfig
	if err := decodeSection(section, &cfg); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}
	if cfg.DBPath == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: db_path is required")
	}

	key := cfg.DBPath
	if cfg.InMemory {
		key = "memory:" + cfg.DBPath
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[key]; ok {
		return db, nil
	}

	opts := badger.DefaultOptions(cfg.DBPath).WithLogger(nil).WithSyncWrites(cfg.SyncWrites)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database %q: %w", cfg.DBPath, err)
	}
	logger.Debug("Opened badger database %q", key)

	p.dbs[key] = db
	p.reg.RegisterCloser(db)
	return db, nil
}

// ============================================================================
// Document stores
// ============================================================================

// createDocumentStore returns the provider of one document store entry.
func createDocumentStore(cfg DocumentStoreConfig, pool *dbPool) (registry.DocumentProvider, error) {
	switch cfg.Type {
	case "memory":
		return func(ctx context.Context, _ string) (document.Backend, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return docmemory.New(), nil
		}, nil
	case "badger":
		db, err := pool.open(cfg.Badger)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, collection string) (document.Backend, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return docbadger.New(db, collection), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown document store type: %q", cfg.Type)
	}
}

// ============================================================================
// Chunk stores
// ============================================================================

// createChunkStore returns the provider of one chunk store entry.
func createChunkStore(ctx context.Context, cfg ChunkStoreConfig, pool *dbPool) (registry.ChunkProvider, error) {
	switch cfg.Type {
	case "memory":
		return func(ctx context.Context, _ string) (chunk.Store, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return chunkmemory.NewMemoryChunkStore(), nil
		}, nil
	case "badger":
		db, err := pool.open(cfg.Badger)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, collection string) (chunk.Store, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return chunkbadger.New(db, collection), nil
		}, nil
	case "s3":
		return createS3ChunkStore(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown chunk store type: %q", cfg.Type)
	}
}

// createS3ChunkStore builds one S3 client shared by every collection using
// the entry; each collection gets its own key namespace in the bucket.
func createS3ChunkStore(ctx context.Context, section map[string]any) (registry.ChunkProvider, error) {
	var yamlCfg s3YAMLConfig
	if err := decodeSection(section, &yamlCfg); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}

	if yamlCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if yamlCfg.Region == "" {
		return nil, fmt.Errorf("S3 region is required")
	}

	client, err := s3.NewS3ClientFromConfig(
		ctx,
		yamlCfg.Endpoint,
		yamlCfg.Region,
		yamlCfg.AccessKeyID,
		yamlCfg.SecretAccessKey,
		yamlCfg.ForcePathStyle,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return func(ctx context.Context, collection string) (chunk.Store, error) {
		store, err := s3.NewS3ChunkStore(ctx, s3.S3ChunkStoreConfig{
			Client:     client,
			Bucket:     yamlCfg.Bucket,
			KeyPrefix:  yamlCfg.KeyPrefix,
			Collection: collection,
			Metrics:    metrics.NewS3Metrics(collection),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 store: %w", err)
		}

		logger.Info("S3 chunk store initialized: bucket=%s, region=%s, collection=%s",
			yamlCfg.Bucket, yamlCfg.Region, collection)
		return store, nil
	}, nil
}

// ============================================================================
// Lock stores
// ============================================================================

// createLockStore opens one lock coordinator.
func createLockStore(ctx context.Context, cfg LockStoreConfig, pool *dbPool) (lock.Coordinator, error) {
	switch cfg.Type {
	case "memory":
		return lockmemory.New(), nil
	case "badger":
		db, err := pool.open(cfg.Badger)
		if err != nil {
			return nil, err
		}
		return lockbadger.New(db), nil
	case "redis":
		var redisCfg redisYAMLConfig
		if err := decodeSection(cfg.Redis, &redisCfg); err != nil {
			return nil, fmt.Errorf("invalid redis config: %w", err)
		}
		if redisCfg.Address == "" {
			return nil, fmt.Errorf("redis address is required")
		}

		coord, err := lockredis.Open(ctx, redisCfg.Address, redisCfg.Password, redisCfg.DB)
		if err != nil {
			return nil, err
		}
		coord.TTL = redisCfg.KeyTTL
		return coord, nil
	default:
		return nil, fmt.Errorf("unknown lock store type: %q", cfg.Type)
	}
}
