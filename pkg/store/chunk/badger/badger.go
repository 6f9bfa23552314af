// Package badger provides a persistent chunk store on BadgerDB.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/chunk"
)

// Key Layout
// ==========
//
// Chunks of a collection live under a collection-scoped namespace so several
// collections (and the document and lock stores) can share one database:
//
//	<name>.chunks/<fileID 16 bytes>/<seq 4 bytes big-endian>  → raw chunk bytes
//
// Big-endian sequence numbers make badger's lexicographic key order equal
// to sequence order, so List is a single prefix scan.

// BadgerChunkStore implements chunk.Store on a BadgerDB handle.
//
// The database handle is owned by the caller. Close on this store is a no-op
// unless the store was created with Open.
type BadgerChunkStore struct {
	db     *badger.DB
	prefix []byte
	owned  bool
}

var _ chunk.Store = (*BadgerChunkStore)(nil)

// New returns a chunk store for collection name backed by db.
func New(db *badger.DB, name string) *BadgerChunkStore {
	return &BadgerChunkStore{
		db:     db,
		prefix: []byte(name + ".chunks/"),
	}
}

// Open opens (or creates) a database at path and returns a store owning it.
func Open(path, name string) (*BadgerChunkStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	s := New(db, name)
	s.owned = true
	return s, nil
}

func (s *BadgerChunkStore) fileKey(fileID uuid.UUID) []byte {
	key := make([]byte, 0, len(s.prefix)+len(fileID)+1)
	key = append(key, s.prefix...)
	key = append(key, fileID[:]...)
	return append(key, '/')
}

func (s *BadgerChunkStore) chunkKey(fileID uuid.UUID, seq uint32) []byte {
	return binary.BigEndian.AppendUint32(s.fileKey(fileID), seq)
}

// WriteChunk stores data under (fileID, seq).
func (s *BadgerChunkStore) WriteChunk(ctx context.Context, fileID uuid.UUID, seq uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := s.chunkKey(fileID, seq)
	value := bytes.Clone(data)
	if value == nil {
		value = []byte{}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	return nil
}

// ReadChunk returns the chunk bytes.
func (s *BadgerChunkStore) ReadChunk(ctx context.Context, fileID uuid.UUID, seq uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.chunkKey(fileID, seq))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ResourceError(store.ErrNotFound, fileID.String(),
			fmt.Sprintf("chunk %d not found", seq))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	return data, nil
}

// List scans the keys of fileID without fetching values.
func (s *BadgerChunkStore) List(ctx context.Context, fileID uuid.UUID) ([]chunk.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := s.fileKey(fileID)
	infos := []chunk.Info{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+4 {
				continue
			}
			infos = append(infos, chunk.Info{
				Sequence: binary.BigEndian.Uint32(key[len(prefix):]),
				Size:     item.ValueSize(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return infos, nil
}

// DeleteChunk removes one chunk.
func (s *BadgerChunkStore) DeleteChunk(ctx context.Context, fileID uuid.UUID, seq uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.chunkKey(fileID, seq))
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

// DeleteAll removes every chunk of fileID using a write batch, so files with
// more chunks than a single transaction can hold are handled.
func (s *BadgerChunkStore) DeleteAll(ctx context.Context, fileID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := s.fileKey(fileID)
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan chunks: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete chunk: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush chunk deletes: %w", err)
	}
	return nil
}

// Files returns the distinct file ids present in the namespace.
func (s *BadgerChunkStore) Files(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []uuid.UUID

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); {
			key := it.Item().Key()
			rest := key[len(s.prefix):]
			if len(rest) < 16 {
				it.Next()
				continue
			}

			id, err := uuid.FromBytes(rest[:16])
			if err != nil {
				it.Next()
				continue
			}
			ids = append(ids, id)

			// Skip the remaining chunks of this file.
			next := append(s.fileKey(id), 0xff, 0xff, 0xff, 0xff, 0xff)
			it.Seek(next)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return ids, nil
}

// Close closes the database if this store opened it.
func (s *BadgerChunkStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
