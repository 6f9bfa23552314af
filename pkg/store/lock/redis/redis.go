// Package redis provides a lock coordinator on Redis, for deployments where
// several server processes share the same collections.
package redis

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"

	"github.com/marmos91/filecollection/pkg/store/lock"
)

// Error is a redis coordinator error.
var Error = errs.Class("redis coordinator")

// Coordinator implements lock.Coordinator with WATCH/MULTI transactions.
type Coordinator struct {
	db *redis.Client

	// TTL is attached to every written record as a safety net against keys
	// left behind by crashed processes. Zero disables it. It must exceed
	// the lease TTL.
	TTL time.Duration
}

var _ lock.Coordinator = (*Coordinator)(nil)

// Open connects to redis and verifies the connection with a ping.
func Open(ctx context.Context, address, password string, db int) (*Coordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, Error.New("ping failed: %v", err)
	}
	return &Coordinator{db: client}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client) *Coordinator {
	return &Coordinator{db: client}
}

// Get returns the value stored at key.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, error) {
	return get(ctx, c.db, key)
}

// CompareAndSwap atomically compares and swaps oldValue with newValue.
func (c *Coordinator) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) error {
	txf := func(tx *redis.Tx) error {
		value, err := get(ctx, tx, key)
		if lock.ErrKeyNotFound.Has(err) {
			if oldValue != nil {
				return lock.ErrKeyNotFound.New("%q", key)
			}
			if newValue == nil {
				return nil
			}
			// runs only if the watched key remains unchanged
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return pipe.Set(ctx, key, newValue, c.TTL).Err()
			})
			return err
		}
		if err != nil {
			return err
		}

		if oldValue == nil || !bytes.Equal(value, oldValue) {
			return lock.ErrValueChanged.New("%q", key)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if newValue == nil {
				return pipe.Del(ctx, key).Err()
			}
			return pipe.Set(ctx, key, newValue, c.TTL).Err()
		})
		return err
	}

	err := c.db.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return lock.ErrValueChanged.New("%q", key)
	case lock.ErrValueChanged.Has(err), lock.ErrKeyNotFound.Has(err):
		return err
	default:
		return Error.Wrap(err)
	}
}

// Close closes the redis client.
func (c *Coordinator) Close() error {
	return c.db.Close()
}

func get(ctx context.Context, cmdable redis.Cmdable, key string) ([]byte, error) {
	value, err := cmdable.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lock.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}
