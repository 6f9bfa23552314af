// Package testing provides a reusable contract test suite for chunk.Store
// implementations.
package testing

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/chunk"
)

// StoreTestSuite tests the chunk.Store contract, not implementation details,
// so it runs unchanged against memory, badger and S3.
//
// Usage:
//
//	func TestMyChunkStore(t *testing.T) {
//	    suite := &chunktesting.StoreTestSuite{
//	        NewStore: func() chunk.Store {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh store for each test.
	NewStore func() chunk.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("DeleteOperations", suite.RunDeleteTests)
	t.Run("StreamOperations", suite.RunStreamTests)
}

// RunBasicTests covers write, read and list.
func (suite *StoreTestSuite) RunBasicTests(t *testing.T) {
	t.Run("ReadChunk_NotFound", suite.testReadNotFound)
	t.Run("WriteChunk_ReadBack", suite.testWriteReadBack)
	t.Run("WriteChunk_Overwrite", suite.testOverwrite)
	t.Run("WriteChunk_Empty", suite.testWriteEmpty)
	t.Run("List_Empty", suite.testListEmpty)
	t.Run("List_Ordered", suite.testListOrdered)
	t.Run("Files", suite.testFiles)
}

// RunDeleteTests covers DeleteChunk and DeleteAll.
func (suite *StoreTestSuite) RunDeleteTests(t *testing.T) {
	t.Run("DeleteChunk", suite.testDeleteChunk)
	t.Run("DeleteChunk_Missing", suite.testDeleteChunkMissing)
	t.Run("DeleteAll", suite.testDeleteAll)
	t.Run("DeleteAll_Isolated", suite.testDeleteAllIsolated)
}

// RunStreamTests covers the ordered read and write helpers on top of the store.
func (suite *StoreTestSuite) RunStreamTests(t *testing.T) {
	t.Run("Writer_Reader_RoundTrip", suite.testWriterReaderRoundTrip)
	t.Run("Stream_Gap", suite.testStreamGap)
	t.Run("Stream_Reset", suite.testStreamReset)
}

func testContext() context.Context {
	return context.Background()
}

func mustWrite(t *testing.T, s chunk.Store, id uuid.UUID, seq uint32, data []byte) {
	t.Helper()
	require.NoError(t, s.WriteChunk(testContext(), id, seq, data))
}

// ============================================================================
// Basic Tests
// ============================================================================

func (suite *StoreTestSuite) testReadNotFound(t *testing.T) {
	s := suite.NewStore()

	_, err := s.ReadChunk(testContext(), uuid.New(), 0)
	assert.True(t, store.IsCode(err, store.ErrNotFound), "expected NotFound, got %v", err)
}

func (suite *StoreTestSuite) testWriteReadBack(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	mustWrite(t, s, id, 0, []byte("hello"))

	data, err := s.ReadChunk(testContext(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func (suite *StoreTestSuite) testOverwrite(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	mustWrite(t, s, id, 3, []byte("first"))
	mustWrite(t, s, id, 3, []byte("second"))

	data, err := s.ReadChunk(testContext(), id, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	infos, err := s.List(testContext(), id)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func (suite *StoreTestSuite) testWriteEmpty(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	mustWrite(t, s, id, 0, []byte{})

	data, err := s.ReadChunk(testContext(), id, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func (suite *StoreTestSuite) testListEmpty(t *testing.T) {
	s := suite.NewStore()

	infos, err := s.List(testContext(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func (suite *StoreTestSuite) testListOrdered(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	// Out of order, crossing a byte boundary in the sequence encoding.
	for _, seq := range []uint32{300, 2, 0, 256, 1} {
		mustWrite(t, s, id, seq, bytes.Repeat([]byte{byte(seq)}, int(seq%7)+1))
	}

	infos, err := s.List(testContext(), id)
	require.NoError(t, err)

	seqs := make([]uint32, 0, len(infos))
	for _, info := range infos {
		seqs = append(seqs, info.Sequence)
		assert.Equal(t, int64(info.Sequence%7)+1, info.Size)
	}
	assert.Equal(t, []uint32{0, 1, 2, 256, 300}, seqs)
}

func (suite *StoreTestSuite) testFiles(t *testing.T) {
	s := suite.NewStore()
	a, b := uuid.New(), uuid.New()

	mustWrite(t, s, a, 0, []byte("a0"))
	mustWrite(t, s, a, 1, []byte("a1"))
	mustWrite(t, s, b, 0, []byte("b0"))

	ids, err := s.Files(testContext())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)
}

// ============================================================================
// Delete Tests
// ============================================================================

func (suite *StoreTestSuite) testDeleteChunk(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	mustWrite(t, s, id, 0, []byte("a"))
	mustWrite(t, s, id, 1, []byte("b"))

	require.NoError(t, s.DeleteChunk(testContext(), id, 0))

	_, err := s.ReadChunk(testContext(), id, 0)
	assert.True(t, store.IsCode(err, store.ErrNotFound))

	infos, err := s.List(testContext(), id)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, uint32(1), infos[0].Sequence)
}

func (suite *StoreTestSuite) testDeleteChunkMissing(t *testing.T) {
	s := suite.NewStore()

	assert.NoError(t, s.DeleteChunk(testContext(), uuid.New(), 7))
}

func (suite *StoreTestSuite) testDeleteAll(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	for seq := uint32(0); seq < 5; seq++ {
		mustWrite(t, s, id, seq, []byte{byte(seq)})
	}

	require.NoError(t, s.DeleteAll(testContext(), id))
	require.NoError(t, s.DeleteAll(testContext(), id), "DeleteAll must be idempotent")

	infos, err := s.List(testContext(), id)
	require.NoError(t, err)
	assert.Empty(t, infos)

	ids, err := s.Files(testContext())
	require.NoError(t, err)
	assert.NotContains(t, ids, id)
}

func (suite *StoreTestSuite) testDeleteAllIsolated(t *testing.T) {
	s := suite.NewStore()
	a, b := uuid.New(), uuid.New()

	mustWrite(t, s, a, 0, []byte("a"))
	mustWrite(t, s, b, 0, []byte("b"))

	require.NoError(t, s.DeleteAll(testContext(), a))

	data, err := s.ReadChunk(testContext(), b, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)
}

// ============================================================================
// Stream Tests
// ============================================================================

func (suite *StoreTestSuite) testWriterReaderRoundTrip(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	payload := make([]byte, 10*1024+17)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	w, err := chunk.NewWriter(testContext(), s, id, 1024)
	require.NoError(t, err)

	// Uneven write sizes exercise buffering across chunk boundaries.
	for off := 0; off < len(payload); {
		n := min(333, len(payload)-off)
		_, err := w.Write(payload[off : off+n])
		require.NoError(t, err)
		off += n
	}
	require.NoError(t, w.Close())
	assert.Equal(t, uint32(11), w.Chunks())
	assert.Equal(t, int64(len(payload)), w.Length())

	got, err := io.ReadAll(chunk.NewReader(testContext(), s, id))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func (suite *StoreTestSuite) testStreamGap(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	mustWrite(t, s, id, 0, []byte("a"))
	mustWrite(t, s, id, 2, []byte("c"))

	st := chunk.ReadStream(s, id)

	data, err := st.Next(testContext())
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	_, err = st.Next(testContext())
	assert.True(t, store.IsCode(err, store.ErrIntegrity), "expected IntegrityError, got %v", err)
}

func (suite *StoreTestSuite) testStreamReset(t *testing.T) {
	s := suite.NewStore()
	id := uuid.New()

	mustWrite(t, s, id, 0, []byte("x"))
	mustWrite(t, s, id, 1, []byte("y"))

	st := chunk.ReadStream(s, id)
	for range 2 {
		_, err := st.Next(testContext())
		require.NoError(t, err)
	}
	_, err := st.Next(testContext())
	require.ErrorIs(t, err, io.EOF)

	st.Reset()
	data, err := st.Next(testContext())
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}
