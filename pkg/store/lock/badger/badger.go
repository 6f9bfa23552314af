// Package badger provides a lock coordinator on BadgerDB.
//
// Badger's optimistic transactions detect concurrent writers of the same
// key at commit time, which gives CompareAndSwap its atomicity. The
// coordinator only spans processes sharing the database directory, which
// badger limits to one process; pick redis for multi-process deployments.
package badger

import (
	"bytes"
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/zeebo/errs"

	"github.com/marmos91/filecollection/pkg/store/lock"
)

// Error is a badger coordinator error.
var Error = errs.Class("badger coordinator")

// Coordinator implements lock.Coordinator on a shared *badger.DB.
type Coordinator struct {
	db *badger.DB
}

var _ lock.Coordinator = (*Coordinator)(nil)

// New wraps db. The database handle stays owned by the caller.
func New(db *badger.DB) *Coordinator {
	return &Coordinator{db: db}
}

// Get returns the value stored at key.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, lock.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return value, nil
}

// CompareAndSwap atomically compares and swaps oldValue with newValue.
func (c *Coordinator) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k := []byte(key)
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			if oldValue != nil {
				return lock.ErrKeyNotFound.New("%q", key)
			}
			if newValue == nil {
				return nil
			}
			return txn.Set(k, bytes.Clone(newValue))
		}
		if err != nil {
			return err
		}

		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if oldValue == nil || !bytes.Equal(current, oldValue) {
			return lock.ErrValueChanged.New("%q", key)
		}

		if newValue == nil {
			return txn.Delete(k)
		}
		return txn.Set(k, bytes.Clone(newValue))
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return lock.ErrValueChanged.New("%q", key)
	case lock.ErrValueChanged.Has(err), lock.ErrKeyNotFound.Has(err):
		return err
	default:
		return Error.Wrap(err)
	}
}

// Close is a no-op; the database belongs to the caller.
func (c *Coordinator) Close() error {
	return nil
}
