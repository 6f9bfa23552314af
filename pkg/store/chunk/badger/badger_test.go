package badger

import (
	"fmt"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/store/chunk"
	chunktesting "github.com/marmos91/filecollection/pkg/store/chunk/testing"
)

func openTestDB(t *testing.T) *badgerdb.DB {
	t.Helper()

	db, err := badgerdb.Open(badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBadgerChunkStore(t *testing.T) {
	db := openTestDB(t)

	// One database, one collection namespace per test.
	n := 0
	suite := &chunktesting.StoreTestSuite{
		NewStore: func() chunk.Store {
			n++
			return New(db, fmt.Sprintf("fs%d", n))
		},
	}
	suite.Run(t)
}

func TestBadgerChunkStore_CollectionsShareDatabase(t *testing.T) {
	db := openTestDB(t)
	photos := New(db, "photos")
	docs := New(db, "docs")
	id := uuid.New()

	require.NoError(t, photos.WriteChunk(t.Context(), id, 0, []byte("p")))
	require.NoError(t, docs.WriteChunk(t.Context(), id, 0, []byte("d")))

	require.NoError(t, photos.DeleteAll(t.Context(), id))

	data, err := docs.ReadChunk(t.Context(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), data)

	ids, err := photos.Files(t.Context())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBadgerChunkStore_OpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	s, err := Open(dir, "fs")
	require.NoError(t, err)
	require.NoError(t, s.WriteChunk(t.Context(), id, 0, []byte("durable")))
	require.NoError(t, s.Close())

	s, err = Open(dir, "fs")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	data, err := s.ReadChunk(t.Context(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), data)
}
