// Package chunk defines the chunk store: raw binary chunk records owned by a
// file document, addressed by (file id, sequence number).
//
// The chunk store carries no business logic. It does not know whether a file
// is complete, who may write it or which lease protects it; those concerns
// belong to the upload sessions, the authorization gate and the lock manager.
// Every operation moves at most one chunk worth of bytes at a time so a file
// is never buffered entirely in memory.
package chunk

import (
	"context"

	"github.com/google/uuid"
)

// Chunk is a bounded-size slice of a file's binary content.
type Chunk struct {
	// FileID is the owning file document
	FileID uuid.UUID

	// Sequence is the zero-based position of the chunk in the file
	Sequence uint32

	// Data holds the raw bytes (len <= the file's chunk size)
	Data []byte
}

// Info describes a stored chunk without its payload.
type Info struct {
	Sequence uint32
	Size     int64
}

// Store is the storage contract for raw chunk records.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Concurrent writes to the same (fileID, sequence) pair are last-write-wins;
// callers serialize conflicting writers with leases from the lock manager.
type Store interface {
	// WriteChunk stores data for (fileID, seq). Rewriting an existing
	// sequence replaces it (idempotent retransmission).
	WriteChunk(ctx context.Context, fileID uuid.UUID, seq uint32, data []byte) error

	// ReadChunk returns the bytes of one chunk, or a store.ErrNotFound error.
	ReadChunk(ctx context.Context, fileID uuid.UUID, seq uint32) ([]byte, error)

	// List returns the stored chunks of a file ordered by sequence.
	// A file without chunks yields an empty slice and no error.
	List(ctx context.Context, fileID uuid.UUID) ([]Info, error)

	// DeleteChunk removes one chunk. Deleting a missing chunk succeeds.
	DeleteChunk(ctx context.Context, fileID uuid.UUID, seq uint32) error

	// DeleteAll removes every chunk of a file. Idempotent.
	DeleteAll(ctx context.Context, fileID uuid.UUID) error

	// Files returns the ids of all files that own at least one chunk.
	// Used by the orphan sweep.
	Files(ctx context.Context) ([]uuid.UUID, error)
}

// Closer is implemented by stores holding resources that need releasing.
type Closer interface {
	Close() error
}
