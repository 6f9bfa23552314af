// Package badger provides a persistent document backend on BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/document"
)

// Key Layout
// ==========
//
//	<name>.files/<fileID string>  → File (JSON)
//
// Filters other than _id are evaluated by a prefix scan over the collection.

// Error is a badger document backend error.
var Error = errs.Class("badger documents")

// maxUpdateRetries bounds retries of an Update hitting a transaction conflict.
const maxUpdateRetries = 16

// Backend implements document.Backend on a shared *badger.DB.
type Backend struct {
	db     *badger.DB
	prefix []byte
}

var _ document.Backend = (*Backend)(nil)

// New returns the document backend of collection name.
func New(db *badger.DB, name string) *Backend {
	return &Backend{db: db, prefix: []byte(name + ".files/")}
}

func (b *Backend) key(id uuid.UUID) []byte {
	return append(append([]byte{}, b.prefix...), id.String()...)
}

func encodeFile(file *document.File) ([]byte, error) {
	data, err := json.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file: %w", err)
	}
	return data, nil
}

func decodeFile(data []byte) (*document.File, error) {
	file := &document.File{}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file: %w", err)
	}
	return file, nil
}

// Insert stores a new document.
func (b *Backend) Insert(ctx context.Context, file *document.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeFile(file)
	if err != nil {
		return err
	}

	key := b.key(file.ID)
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return store.ResourceError(store.ErrConflict, file.ID.String(), "file already exists")
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return store.ResourceError(store.ErrConflict, file.ID.String(), "file already exists")
	}
	if err != nil && store.CodeOf(err) == store.ErrUnknown {
		return Error.Wrap(err)
	}
	return err
}

// scan calls fn for each document matching filter inside txn.
func (b *Backend) scan(txn *badger.Txn, filter document.Filter, fn func(key []byte, file *document.File) error) error {
	if id, ok := filter.ID(); ok {
		key := b.key(id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		file, err := decodeFile(data)
		if err != nil {
			return err
		}
		if filter.Matches(file) {
			return fn(key, file)
		}
		return nil
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = b.prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(b.prefix); it.ValidForPrefix(b.prefix); it.Next() {
		item := it.Item()
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		file, err := decodeFile(data)
		if err != nil {
			return err
		}
		if filter.Matches(file) {
			if err := fn(item.KeyCopy(nil), file); err != nil {
				return err
			}
		}
	}
	return nil
}

// Find returns the matching documents.
func (b *Backend) Find(ctx context.Context, filter document.Filter) ([]*document.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := []*document.File{}
	err := b.db.View(func(txn *badger.Txn) error {
		return b.scan(txn, filter, func(_ []byte, file *document.File) error {
			out = append(out, file)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}

// Update rewrites all matches in one transaction, retrying on conflict.
func (b *Backend) Update(ctx context.Context, filter document.Filter, fn func(*document.File) error) (int, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		count := 0
		err := b.db.Update(func(txn *badger.Txn) error {
			count = 0
			return b.scan(txn, filter, func(key []byte, file *document.File) error {
				id := file.ID
				if err := fn(file); err != nil {
					return err
				}
				file.ID = id

				data, err := encodeFile(file)
				if err != nil {
					return err
				}
				count++
				return txn.Set(key, data)
			})
		})

		switch {
		case err == nil:
			return count, nil
		case errors.Is(err, badger.ErrConflict) && attempt < maxUpdateRetries:
			continue
		case store.CodeOf(err) != store.ErrUnknown:
			return 0, err
		default:
			return 0, Error.Wrap(err)
		}
	}
}

// Delete removes a document.
func (b *Backend) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(id))
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}
