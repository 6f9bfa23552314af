package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/filecollection/pkg/api"
	"github.com/marmos91/filecollection/pkg/auth"
	"github.com/marmos91/filecollection/pkg/collection"
	"github.com/marmos91/filecollection/pkg/gc"
	"github.com/marmos91/filecollection/pkg/store/chunk"
	"github.com/marmos91/filecollection/pkg/store/document"
	"github.com/marmos91/filecollection/pkg/store/lock"
)

// Entry is a registered collection that binds together:
// - The collection store handle (documents, chunks, leases, uploads)
// - The HTTP handler serving it under its base path
// - The orphan chunk collector
type Entry struct {
	Collection *collection.Collection
	Handler    *api.Handler
	Collector  *gc.Collector
}

// CollectionConfig contains all configuration needed to create a collection.
type CollectionConfig struct {
	Name string

	// Names of registered stores
	DocumentStore string
	ChunkStore    string
	LockStore     string

	// ChunkSize is the chunk size of new files (0 = document.DefaultChunkSize)
	ChunkSize int64

	// Lock configures the lease manager; Namespace is forced to Name
	Lock lock.Config

	// Collection configures lease timeouts and upload sessions; Name is
	// forced to Name
	Collection collection.Config

	// Handler configures the HTTP surface
	Handler api.Config

	// Routes bind URL patterns to filters (nil = api.DefaultRoutes)
	Routes []api.Route

	// Gate takes precedence over Rules when set
	Gate  *auth.Gate
	Rules []AccessRule

	GC gc.Config
}

func newEntry(config *CollectionConfig, backend document.Backend, chunks chunk.Store, coord lock.Coordinator) (*Entry, error) {
	gate := config.Gate
	if gate == nil {
		var err error
		if gate, err = BuildGate(config.Rules); err != nil {
			return nil, fmt.Errorf("collection %q: %w", config.Name, err)
		}
	}

	routes := config.Routes
	if routes == nil {
		routes = api.DefaultRoutes()
	}
	router, err := api.NewRouter(routes...)
	if err != nil {
		return nil, fmt.Errorf("collection %q: %w", config.Name, err)
	}

	lockCfg := config.Lock
	lockCfg.Namespace = config.Name
	locks := lock.NewManager(coord, lockCfg)

	files := document.NewFiles(backend, document.FilesConfig{ChunkSize: config.ChunkSize})

	collCfg := config.Collection
	collCfg.Name = config.Name
	coll := collection.New(collCfg, files, chunks, locks, gate)

	return &Entry{
		Collection: coll,
		Handler:    api.NewHandler(coll, router, config.Handler),
		Collector:  gc.NewCollector(config.Name, coll.Owners(), chunks, config.GC),
	}, nil
}

func (e *Entry) start() {
	e.Collection.Start()
	e.Collector.Start()
}

func (e *Entry) stop(ctx context.Context) error {
	return errors.Join(e.Collector.Stop(ctx), e.Collection.Stop(ctx))
}
