package lock

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound is returned by Get for an absent key, and by
	// CompareAndSwap when a non-nil old value was expected but the key is gone.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrValueChanged is returned by CompareAndSwap when the stored value
	// does not match the expected old value.
	ErrValueChanged = errs.Class("value changed")
)

// Coordinator is the shared coordination store holding lease records.
//
// It is the single source of truth for lock state across server processes,
// so CompareAndSwap must be atomic with respect to every other caller of the
// same backend.
type Coordinator interface {
	// Get returns the value stored at key or an ErrKeyNotFound error.
	Get(ctx context.Context, key string) ([]byte, error)

	// CompareAndSwap atomically replaces oldValue with newValue.
	//
	// A nil oldValue means the key must be absent. A nil newValue deletes
	// the key. Returns ErrValueChanged when the current value differs.
	CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error

	// Close releases backend resources.
	Close() error
}
