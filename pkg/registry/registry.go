package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/api"
	"github.com/marmos91/filecollection/pkg/store/chunk"
	"github.com/marmos91/filecollection/pkg/store/document"
	"github.com/marmos91/filecollection/pkg/store/lock"
)

// DocumentProvider opens the document backend of one collection.
type DocumentProvider func(ctx context.Context, collection string) (document.Backend, error)

// ChunkProvider opens the chunk store of one collection.
type ChunkProvider func(ctx context.Context, collection string) (chunk.Store, error)

// Registry manages all named resources: store providers, lock coordinators
// and the collections built on them. It provides thread-safe registration
// and lookup.
//
// Document and chunk stores are registered as providers because their
// records are namespaced by collection; lock coordinators are shared as-is
// since the lock manager namespaces keys itself.
//
// Example usage:
//
//	reg := NewRegistry()
//	reg.RegisterDocumentStore("main", docs)
//	reg.RegisterChunkStore("main", chunks)
//	reg.RegisterLockStore("main", coord)
//	reg.AddCollection(ctx, &CollectionConfig{Name: "media", DocumentStore: "main", ...})
//
//	entry, _ := reg.GetCollection("media")
type Registry struct {
	mu          sync.RWMutex
	documents   map[string]DocumentProvider
	chunks      map[string]ChunkProvider
	locks       map[string]lock.Coordinator
	collections map[string]*Entry
	closers     []io.Closer
	started     bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		documents:   make(map[string]DocumentProvider),
		chunks:      make(map[string]ChunkProvider),
		locks:       make(map[string]lock.Coordinator),
		collections: make(map[string]*Entry),
	}
}

// RegisterDocumentStore adds a named document store provider.
// Returns an error if a store with the same name already exists.
func (r *Registry) RegisterDocumentStore(name string, provider DocumentProvider) error {
	if provider == nil {
		return fmt.Errorf("cannot register nil document store")
	}
	if name == "" {
		return fmt.Errorf("cannot register document store with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.documents[name]; exists {
		return fmt.Errorf("document store %q already registered", name)
	}
	r.documents[name] = provider
	return nil
}

// RegisterChunkStore adds a named chunk store provider.
// Returns an error if a store with the same name already exists.
func (r *Registry) RegisterChunkStore(name string, provider ChunkProvider) error {
	if provider == nil {
		return fmt.Errorf("cannot register nil chunk store")
	}
	if name == "" {
		return fmt.Errorf("cannot register chunk store with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.chunks[name]; exists {
		return fmt.Errorf("chunk store %q already registered", name)
	}
	r.chunks[name] = provider
	return nil
}

// RegisterLockStore adds a named lock coordinator. The registry closes it
// on Close.
func (r *Registry) RegisterLockStore(name string, coord lock.Coordinator) error {
	if coord == nil {
		return fmt.Errorf("cannot register nil lock store")
	}
	if name == "" {
		return fmt.Errorf("cannot register lock store with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.locks[name]; exists {
		return fmt.Errorf("lock store %q already registered", name)
	}
	r.locks[name] = coord
	return nil
}

// RegisterCloser adds a resource shared by several stores (a database
// handle) to be closed last, after every store using it.
func (r *Registry) RegisterCloser(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
}

// AddCollection builds a collection from the referenced stores and
// registers it with its HTTP handler and garbage collector.
//
// Returns an error if:
//   - A collection with the same name or base path already exists
//   - The referenced stores don't exist
//   - A store provider fails or a route is invalid
func (r *Registry) AddCollection(ctx context.Context, config *CollectionConfig) (*Entry, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("cannot add collection with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.collections[config.Name]; exists {
		return nil, fmt.Errorf("collection %q already exists", config.Name)
	}

	docProvider, exists := r.documents[config.DocumentStore]
	if !exists {
		return nil, fmt.Errorf("document store %q not found", config.DocumentStore)
	}
	chunkProvider, exists := r.chunks[config.ChunkStore]
	if !exists {
		return nil, fmt.Errorf("chunk store %q not found", config.ChunkStore)
	}
	coord, exists := r.locks[config.LockStore]
	if !exists {
		return nil, fmt.Errorf("lock store %q not found", config.LockStore)
	}

	backend, err := docProvider(ctx, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	chunks, err := chunkProvider(ctx, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}

	entry, err := newEntry(config, backend, chunks, coord)
	if err != nil {
		return nil, err
	}

	for _, other := range r.collections {
		if other.Handler.BasePath() == entry.Handler.BasePath() {
			return nil, fmt.Errorf("collection %q: base path %s already served by %q",
				config.Name, entry.Handler.BasePath(), other.Collection.Name())
		}
	}

	r.collections[config.Name] = entry
	if r.started {
		entry.start()
	}
	return entry, nil
}

// GetCollection retrieves a collection by name.
func (r *Registry) GetCollection(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.collections[name]
	if !exists {
		return nil, fmt.Errorf("collection %q not found", name)
	}
	return entry, nil
}

// ListCollections returns all registered collection names, sorted.
func (r *Registry) ListCollections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handlers returns the HTTP handlers of all collections, sorted by name.
func (r *Registry) Handlers() []*api.Handler {
	names := r.ListCollections()

	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]*api.Handler, 0, len(names))
	for _, name := range names {
		if entry, ok := r.collections[name]; ok {
			handlers = append(handlers, entry.Handler)
		}
	}
	return handlers
}

// CountCollections returns the number of registered collections.
func (r *Registry) CountCollections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.collections)
}

// CountDocumentStores returns the number of registered document stores.
func (r *Registry) CountDocumentStores() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents)
}

// CountChunkStores returns the number of registered chunk stores.
func (r *Registry) CountChunkStores() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// CountLockStores returns the number of registered lock stores.
func (r *Registry) CountLockStores() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locks)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the background work of every collection: upload session
// sweepers and garbage collectors. Collections added later start on add.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	r.started = true
	for _, entry := range r.collections {
		entry.start()
	}
}

// Stop halts the background work of every collection.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.collections))
	for _, entry := range r.collections {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	var errs []error
	for _, entry := range entries {
		if err := entry.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("collection %q: %w", entry.Collection.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every store. Call after Stop.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, entry := range r.collections {
		if c, ok := entry.Collection.Chunks().(chunk.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("chunk store of %q: %w", entry.Collection.Name(), err))
			}
		}
	}
	for name, coord := range r.locks {
		if err := coord.Close(); err != nil {
			errs = append(errs, fmt.Errorf("lock store %q: %w", name, err))
		}
	}
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	r.collections = make(map[string]*Entry)
	r.locks = make(map[string]lock.Coordinator)
	r.closers = nil

	if len(errs) > 0 {
		logger.Warn("Registry closed with %d error(s)", len(errs))
	}
	return errors.Join(errs...)
}
