package lock

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/store"
)

// Lease is a granted shared or exclusive lock on a resource.
//
// Holders of long-running streams must Heartbeat (or run KeepAlive) within
// the manager TTL, otherwise any other caller may reclaim the lease.
// Release is idempotent and should be deferred right after Acquire.
type Lease struct {
	m        *Manager
	resource string
	key      string
	token    string
	mode     Mode

	mu        sync.Mutex
	expiresAt time.Time
	released  bool
}

// Resource returns the locked resource id.
func (l *Lease) Resource() string { return l.resource }

// Mode returns the lease mode.
func (l *Lease) Mode() Mode { return l.mode }

// Token returns the opaque holder token.
func (l *Lease) Token() string { return l.token }

// ExpiresAt returns the expiry recorded by the last grant or heartbeat.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Heartbeat extends the lease to now + TTL.
//
// Returns a store.ErrLockTimeout error when the lease was released or
// reclaimed in the meantime; the caller no longer holds the resource.
func (l *Lease) Heartbeat(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return store.ResourceError(store.ErrLockTimeout, l.resource, "lease already released")
	}

	var expires time.Time
	err := l.m.update(ctx, l.key, l.resource, func(rec *Record, now time.Time) (bool, error) {
		h, ok := rec.Holders[l.token]
		if !ok || !now.Before(h.ExpiresAt) {
			return false, store.ResourceError(store.ErrLockTimeout, l.resource, "lease lost")
		}
		expires = now.Add(l.m.ttl)
		rec.Holders[l.token] = Holder{ExpiresAt: expires, HeartbeatAt: now}
		return true, nil
	})
	if err != nil {
		return err
	}

	l.expiresAt = expires
	return nil
}

// KeepAlive heartbeats every TTL/3 until ctx is done, the returned stop
// function is called or a heartbeat fails. stop blocks until the
// background goroutine has exited.
func (l *Lease) KeepAlive(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	interval := max(l.m.ttl/3, time.Millisecond)

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Heartbeat(ctx); err != nil {
					if ctx.Err() == nil {
						logger.Warn("Lease heartbeat failed on %s: %v", l.resource, err)
					}
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Release gives the lease back. Calling it again is a no-op.
//
// The coordinator write ignores cancellation of ctx so a lease held by an
// aborted request is still released promptly.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := l.m.update(ctx, l.key, l.resource, func(rec *Record, now time.Time) (bool, error) {
		if _, ok := rec.Holders[l.token]; !ok {
			return false, nil
		}
		delete(rec.Holders, l.token)
		rec.purge(now)
		return true, nil
	})
	if err != nil {
		return err
	}

	l.released = true
	l.m.signal(l.key)
	return nil
}
