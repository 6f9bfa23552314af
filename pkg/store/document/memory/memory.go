// Package memory provides an in-memory document backend.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/document"
)

// Backend implements document.Backend on a map guarded by an RWMutex.
// Documents are cloned on the way in and out.
type Backend struct {
	mu    sync.RWMutex
	files map[uuid.UUID]*document.File
}

var _ document.Backend = (*Backend)(nil)

// New creates an empty backend.
func New() *Backend {
	return &Backend{files: make(map[uuid.UUID]*document.File)}
}

// Insert stores a new document.
func (b *Backend) Insert(ctx context.Context, file *document.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.files[file.ID]; exists {
		return store.ResourceError(store.ErrConflict, file.ID.String(), "file already exists")
	}
	b.files[file.ID] = file.Clone()
	return nil
}

// Find returns copies of the matching documents.
func (b *Backend) Find(ctx context.Context, filter document.Filter) ([]*document.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if id, ok := filter.ID(); ok {
		file, exists := b.files[id]
		if !exists || !filter.Matches(file) {
			return []*document.File{}, nil
		}
		return []*document.File{file.Clone()}, nil
	}

	out := []*document.File{}
	for _, file := range b.files {
		if filter.Matches(file) {
			out = append(out, file.Clone())
		}
	}
	return out, nil
}

// Update applies fn to copies of all matches, then swaps them in together.
func (b *Backend) Update(ctx context.Context, filter document.Filter, fn func(*document.File) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var updated []*document.File
	for _, file := range b.files {
		if !filter.Matches(file) {
			continue
		}
		next := file.Clone()
		if err := fn(next); err != nil {
			return 0, err
		}
		next.ID = file.ID
		updated = append(updated, next)
	}

	for _, file := range updated {
		b.files[file.ID] = file
	}
	return len(updated), nil
}

// Delete removes a document.
func (b *Backend) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.files, id)
	return nil
}
