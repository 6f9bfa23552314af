// Package lock implements shared/exclusive leases over named resources
// (one per file id), stored in a Coordinator so several server processes
// cooperate on the same lock state.
//
// Acquisition is a read-modify-CompareAndSwap loop on one record per
// resource. Expired leases are reclaimed by whichever caller finds them, so
// a crashed holder blocks others for at most one TTL without any watchdog.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/store"
)

const (
	// DefaultTTL is the lease lifetime without a heartbeat.
	DefaultTTL = 30 * time.Second

	// DefaultPollInterval is the first wait between acquisition attempts.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultMaxPollInterval caps the exponential backoff between attempts.
	DefaultMaxPollInterval = 250 * time.Millisecond

	// releaseTimeout bounds the coordinator write of a release issued from a
	// cancelled request.
	releaseTimeout = 5 * time.Second
)

// Metrics observes lease activity. Optional.
type Metrics interface {
	// ObserveAcquire records one Acquire call; outcome is "granted",
	// "timeout" or "error".
	ObserveAcquire(mode Mode, waited time.Duration, outcome string)

	// RecordReclaimed counts expired leases forcibly removed.
	RecordReclaimed(count int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAcquire(Mode, time.Duration, string) {}
func (noopMetrics) RecordReclaimed(int)                        {}

// Config configures a Manager.
type Config struct {
	// Namespace prefixes every record key: <Namespace>.locks/<resource>
	Namespace string

	// TTL is the lease lifetime; holders must heartbeat within it.
	TTL time.Duration

	// PollInterval and MaxPollInterval bound the wait between attempts.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	Metrics Metrics

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Manager grants leases on resources.
//
// Thread Safety:
// Safe for concurrent use. Waiters in the same process are woken as soon as
// a lease on their resource is released; waiters in other processes notice
// on their next poll.
type Manager struct {
	coord   Coordinator
	prefix  string
	ttl     time.Duration
	poll    time.Duration
	maxPoll time.Duration
	metrics Metrics
	now     func() time.Time

	mu   sync.Mutex
	wake map[string]chan struct{}
}

// NewManager creates a lease manager over coord.
func NewManager(coord Coordinator, cfg Config) *Manager {
	m := &Manager{
		coord:   coord,
		prefix:  cfg.Namespace + ".locks/",
		ttl:     cfg.TTL,
		poll:    cfg.PollInterval,
		maxPoll: cfg.MaxPollInterval,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		wake:    make(map[string]chan struct{}),
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.poll <= 0 {
		m.poll = DefaultPollInterval
	}
	if m.maxPoll < m.poll {
		m.maxPoll = max(DefaultMaxPollInterval, m.poll)
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// TTL returns the configured lease lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) key(resource string) string {
	return m.prefix + resource
}

// Acquire blocks until a lease of mode on resource is granted, timeout
// elapses (store.ErrLockTimeout) or ctx is cancelled.
//
// A zero timeout makes a single attempt. Waiting on one resource never
// blocks callers of other resources.
func (m *Manager) Acquire(ctx context.Context, resource string, mode Mode, timeout time.Duration) (*Lease, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid lock mode %q", mode)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	token := uuid.NewString()
	key := m.key(resource)
	backoff := m.poll

	for {
		wake := m.waitChannel(key)

		expires, granted, err := m.attempt(ctx, key, resource, token, mode)
		if err != nil {
			m.dequeue(ctx, key, resource, token)
			m.metrics.ObserveAcquire(mode, time.Since(start), "error")
			return nil, err
		}
		if granted {
			m.metrics.ObserveAcquire(mode, time.Since(start), "granted")
			return &Lease{
				m:         m,
				resource:  resource,
				key:       key,
				token:     token,
				mode:      mode,
				expiresAt: expires,
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.dequeue(ctx, key, resource, token)
			m.metrics.ObserveAcquire(mode, time.Since(start), "timeout")
			return nil, store.ResourceError(store.ErrLockTimeout, resource,
				fmt.Sprintf("%s lease not obtained within %s", mode, timeout))
		}

		timer := time.NewTimer(min(backoff, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			m.dequeue(ctx, key, resource, token)
			m.metrics.ObserveAcquire(mode, time.Since(start), "error")
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			backoff = min(backoff*2, m.maxPoll)
		}
	}
}

// attempt runs one read-modify-CAS round. CAS conflicts are retried
// immediately since they mean the record moved, not that the lease is
// unavailable.
func (m *Manager) attempt(ctx context.Context, key, resource, token string, mode Mode) (time.Time, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return time.Time{}, false, err
		}

		old, rec, err := m.load(ctx, key, resource)
		if err != nil {
			return time.Time{}, false, err
		}

		now := m.now()
		if n := rec.purge(now); n > 0 {
			logger.Debug("Reclaimed %d expired lease(s) on %s", n, resource)
			m.metrics.RecordReclaimed(n)
		}

		granted := rec.compatible(token, mode)
		expires := now.Add(m.ttl)

		switch {
		case granted:
			rec.Holders[token] = Holder{ExpiresAt: expires, HeartbeatAt: now}
			rec.Mode = mode
			delete(rec.Waiting, token)
		case mode == Exclusive:
			// Queue so new readers back off; refresh the entry at half life.
			if queued, ok := rec.Waiting[token]; !ok || queued.Sub(now) < m.ttl/2 {
				rec.Waiting[token] = expires
			}
		}

		next, err := rec.encode()
		if err != nil {
			return time.Time{}, false, err
		}
		if !granted && string(next) == string(old) {
			return time.Time{}, false, nil
		}

		err = m.coord.CompareAndSwap(ctx, key, old, next)
		if ErrValueChanged.Has(err) || ErrKeyNotFound.Has(err) {
			continue
		}
		if err != nil {
			return time.Time{}, false, fmt.Errorf("failed to update lock record %s: %w", resource, err)
		}
		return expires, granted, nil
	}
}

// load returns the raw stored record (nil when absent) and its decoding.
func (m *Manager) load(ctx context.Context, key, resource string) ([]byte, *Record, error) {
	old, err := m.coord.Get(ctx, key)
	if ErrKeyNotFound.Has(err) {
		return nil, newRecord(resource), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read lock record %s: %w", resource, err)
	}
	rec, err := decodeRecord(resource, old)
	if err != nil {
		return nil, nil, err
	}
	return old, rec, nil
}

// update applies fn to the record of resource under CAS until it sticks.
// fn returning false leaves the record untouched.
func (m *Manager) update(ctx context.Context, key, resource string, fn func(rec *Record, now time.Time) (bool, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		old, rec, err := m.load(ctx, key, resource)
		if err != nil {
			return err
		}

		changed, err := fn(rec, m.now())
		if err != nil || !changed {
			return err
		}

		next, err := rec.encode()
		if err != nil {
			return err
		}

		err = m.coord.CompareAndSwap(ctx, key, old, next)
		if ErrValueChanged.Has(err) || ErrKeyNotFound.Has(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update lock record %s: %w", resource, err)
		}
		return nil
	}
}

// dequeue removes a waiter entry left behind by a failed acquisition.
func (m *Manager) dequeue(ctx context.Context, key, resource, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := m.update(ctx, key, resource, func(rec *Record, _ time.Time) (bool, error) {
		if _, ok := rec.Waiting[token]; !ok {
			return false, nil
		}
		delete(rec.Waiting, token)
		return true, nil
	})
	if err != nil {
		logger.Warn("Failed to dequeue lock waiter on %s: %v", resource, err)
	}
	m.signal(key)
}

// Purge force-deletes the lock record of resource regardless of holders.
// Used when the resource itself is removed.
func (m *Manager) Purge(ctx context.Context, resource string) error {
	key := m.key(resource)
	for {
		old, err := m.coord.Get(ctx, key)
		if ErrKeyNotFound.Has(err) {
			m.signal(key)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read lock record %s: %w", resource, err)
		}

		err = m.coord.CompareAndSwap(ctx, key, old, nil)
		if ErrValueChanged.Has(err) || ErrKeyNotFound.Has(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to purge lock record %s: %w", resource, err)
		}
		m.signal(key)
		return nil
	}
}

// Inspect returns the current record of resource with expired entries
// dropped. A resource without leases yields an empty record.
func (m *Manager) Inspect(ctx context.Context, resource string) (*Record, error) {
	_, rec, err := m.load(ctx, m.key(resource), resource)
	if err != nil {
		return nil, err
	}
	rec.purge(m.now())
	return rec, nil
}

func (m *Manager) waitChannel(key string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.wake[key]
	if !ok {
		ch = make(chan struct{})
		m.wake[key] = ch
	}
	return ch
}

func (m *Manager) signal(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.wake[key]; ok {
		close(ch)
		delete(m.wake, key)
	}
}
