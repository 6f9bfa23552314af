// Package memory provides an in-memory chunk store.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/chunk"
)

// MemoryChunkStore implements chunk.Store using in-memory maps.
//
// Characteristics:
//   - Fast: All operations are memory-speed
//   - Volatile: Data lost on restart
//   - Thread-safe: Protected by RWMutex
//
// Data is copied on read and write so callers can reuse their buffers.
type MemoryChunkStore struct {
	// files maps a file id to its chunks keyed by sequence number
	files map[uuid.UUID]map[uint32][]byte

	mu sync.RWMutex
}

var _ chunk.Store = (*MemoryChunkStore)(nil)

// NewMemoryChunkStore creates an empty in-memory chunk store.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{
		files: make(map[uuid.UUID]map[uint32][]byte),
	}
}

// WriteChunk stores a copy of data under (fileID, seq).
func (s *MemoryChunkStore) WriteChunk(ctx context.Context, fileID uuid.UUID, seq uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, ok := s.files[fileID]
	if !ok {
		chunks = make(map[uint32][]byte)
		s.files[fileID] = chunks
	}
	chunks[seq] = buf
	return nil
}

// ReadChunk returns a copy of the chunk bytes.
func (s *MemoryChunkStore) ReadChunk(ctx context.Context, fileID uuid.UUID, seq uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.files[fileID][seq]
	if !ok {
		return nil, store.ResourceError(store.ErrNotFound, fileID.String(),
			fmt.Sprintf("chunk %d not found", seq))
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// List returns the chunks of fileID ordered by sequence.
func (s *MemoryChunkStore) List(ctx context.Context, fileID uuid.UUID) ([]chunk.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := s.files[fileID]
	infos := make([]chunk.Info, 0, len(chunks))
	for seq, data := range chunks {
		infos = append(infos, chunk.Info{Sequence: seq, Size: int64(len(data))})
	}
	slices.SortFunc(infos, func(a, b chunk.Info) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return infos, nil
}

// DeleteChunk removes one chunk.
func (s *MemoryChunkStore) DeleteChunk(ctx context.Context, fileID uuid.UUID, seq uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, ok := s.files[fileID]
	if !ok {
		return nil
	}
	delete(chunks, seq)
	if len(chunks) == 0 {
		delete(s.files, fileID)
	}
	return nil
}

// DeleteAll removes every chunk of fileID.
func (s *MemoryChunkStore) DeleteAll(ctx context.Context, fileID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, fileID)
	return nil
}

// Files returns the ids of files owning at least one chunk.
func (s *MemoryChunkStore) Files(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	return ids, nil
}

// Size returns the total number of bytes held. Used by metrics and tests.
func (s *MemoryChunkStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, chunks := range s.files {
		for _, data := range chunks {
			total += int64(len(data))
		}
	}
	return total
}
