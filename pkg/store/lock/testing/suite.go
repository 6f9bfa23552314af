// Package testing provides a contract test suite for lock.Coordinator
// implementations and for the lease manager running on top of them.
package testing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/lock"
)

// CoordinatorTestSuite runs the CompareAndSwap contract against a backend.
type CoordinatorTestSuite struct {
	// NewCoordinator returns a fresh, empty coordinator for each test.
	NewCoordinator func() lock.Coordinator
}

// Run executes all tests in the suite.
func (suite *CoordinatorTestSuite) Run(t *testing.T) {
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("CAS_CreateWhenAbsent", suite.testCreate)
	t.Run("CAS_CreateConflict", suite.testCreateConflict)
	t.Run("CAS_Replace", suite.testReplace)
	t.Run("CAS_StaleValue", suite.testStale)
	t.Run("CAS_DeleteWithNil", suite.testDelete)
	t.Run("CAS_OldValueOnMissingKey", suite.testOldOnMissing)
	t.Run("Manager_ExclusiveRoundTrip", suite.testManagerRoundTrip)
}

func (suite *CoordinatorTestSuite) testGetNotFound(t *testing.T) {
	c := suite.NewCoordinator()

	_, err := c.Get(context.Background(), "missing")
	assert.True(t, lock.ErrKeyNotFound.Has(err), "got %v", err)
}

func (suite *CoordinatorTestSuite) testCreate(t *testing.T) {
	c := suite.NewCoordinator()
	ctx := context.Background()

	require.NoError(t, c.CompareAndSwap(ctx, "k", nil, []byte("v1")))

	value, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
}

func (suite *CoordinatorTestSuite) testCreateConflict(t *testing.T) {
	c := suite.NewCoordinator()
	ctx := context.Background()

	require.NoError(t, c.CompareAndSwap(ctx, "k", nil, []byte("v1")))

	err := c.CompareAndSwap(ctx, "k", nil, []byte("v2"))
	assert.True(t, lock.ErrValueChanged.Has(err), "got %v", err)
}

func (suite *CoordinatorTestSuite) testReplace(t *testing.T) {
	c := suite.NewCoordinator()
	ctx := context.Background()

	require.NoError(t, c.CompareAndSwap(ctx, "k", nil, []byte("v1")))
	require.NoError(t, c.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2")))

	value, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func (suite *CoordinatorTestSuite) testStale(t *testing.T) {
	c := suite.NewCoordinator()
	ctx := context.Background()

	require.NoError(t, c.CompareAndSwap(ctx, "k", nil, []byte("v1")))
	require.NoError(t, c.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2")))

	err := c.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v3"))
	assert.True(t, lock.ErrValueChanged.Has(err), "got %v", err)
}

func (suite *CoordinatorTestSuite) testDelete(t *testing.T) {
	c := suite.NewCoordinator()
	ctx := context.Background()

	require.NoError(t, c.CompareAndSwap(ctx, "k", nil, []byte("v1")))
	require.NoError(t, c.CompareAndSwap(ctx, "k", []byte("v1"), nil))

	_, err := c.Get(ctx, "k")
	assert.True(t, lock.ErrKeyNotFound.Has(err))

	// Deleting an absent key with an absent expectation is a no-op.
	assert.NoError(t, c.CompareAndSwap(ctx, "k", nil, nil))
}

func (suite *CoordinatorTestSuite) testOldOnMissing(t *testing.T) {
	c := suite.NewCoordinator()

	err := c.CompareAndSwap(context.Background(), "k", []byte("v1"), []byte("v2"))
	assert.True(t, lock.ErrKeyNotFound.Has(err), "got %v", err)
}

// testManagerRoundTrip checks that the manager's exclusion holds on this
// backend, with contention from several goroutines.
func (suite *CoordinatorTestSuite) testManagerRoundTrip(t *testing.T) {
	m := lock.NewManager(suite.NewCoordinator(), lock.Config{Namespace: "fs", TTL: 5 * time.Second})
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lease, err := m.Acquire(ctx, "file", lock.Exclusive, 10*time.Second)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()

			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)

	rec, err := m.Inspect(ctx, "file")
	require.NoError(t, err)
	assert.Empty(t, rec.Holders)

	lease, err := m.Acquire(ctx, "file", lock.Shared, 0)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))

	_, err = m.Acquire(ctx, "other", lock.Exclusive, 0)
	assert.False(t, store.IsCode(err, store.ErrLockTimeout))
}
