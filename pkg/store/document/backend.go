package document

import (
	"context"

	"github.com/google/uuid"
)

// Backend is the underlying document database, reduced to the primitives
// the file collection needs. It applies no schema rules.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Insert stores a new document. An existing id yields a
	// store.ErrConflict error.
	Insert(ctx context.Context, file *File) error

	// Find returns copies of all documents matching filter.
	Find(ctx context.Context, filter Filter) ([]*File, error)

	// Update calls fn on a copy of every matching document and stores the
	// results atomically: if fn fails for any document, none is written.
	// Returns the number of documents updated.
	Update(ctx context.Context, filter Filter, fn func(*File) error) (int, error)

	// Delete removes the document with id. Deleting a missing id succeeds.
	Delete(ctx context.Context, id uuid.UUID) error
}
