// Package memory provides an in-process lock coordinator.
//
// It only coordinates goroutines of one process; use the badger or redis
// coordinators when several processes share the same collections.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/marmos91/filecollection/pkg/store/lock"
)

// Coordinator implements lock.Coordinator on a mutex-protected map.
type Coordinator struct {
	mu     sync.Mutex
	values map[string][]byte
}

var _ lock.Coordinator = (*Coordinator)(nil)

// New creates an empty coordinator.
func New() *Coordinator {
	return &Coordinator{values: make(map[string][]byte)}
}

// Get returns the value stored at key.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.values[key]
	if !ok {
		return nil, lock.ErrKeyNotFound.New("%q", key)
	}
	return bytes.Clone(value), nil
}

// CompareAndSwap atomically compares and swaps oldValue with newValue.
func (c *Coordinator) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.values[key]
	if !ok {
		if oldValue != nil {
			return lock.ErrKeyNotFound.New("%q", key)
		}
		if newValue != nil {
			c.values[key] = bytes.Clone(newValue)
		}
		return nil
	}

	if oldValue == nil || !bytes.Equal(current, oldValue) {
		return lock.ErrValueChanged.New("%q", key)
	}

	if newValue == nil {
		delete(c.values, key)
		return nil
	}
	c.values[key] = bytes.Clone(newValue)
	return nil
}

// Len returns the number of stored records.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// Close is a no-op.
func (c *Coordinator) Close() error {
	return nil
}
