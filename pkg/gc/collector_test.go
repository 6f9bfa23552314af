package gc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chunkmemory "github.com/marmos91/filecollection/pkg/store/chunk/memory"
	"github.com/marmos91/filecollection/pkg/store/document"
	docmemory "github.com/marmos91/filecollection/pkg/store/document/memory"
)

type fixture struct {
	files  *document.Files
	chunks *chunkmemory.MemoryChunkStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		files:  document.NewFiles(docmemory.New(), document.FilesConfig{ChunkSize: 4}),
		chunks: chunkmemory.NewMemoryChunkStore(),
	}
}

// file inserts a document and n chunks for it.
func (f *fixture) file(t *testing.T, n int) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	doc, err := f.files.Insert(ctx, map[string]any{}, document.Trusted)
	require.NoError(t, err)
	f.writeChunks(t, doc.ID, n)
	return doc.ID
}

// orphan writes n chunks owned by no document.
func (f *fixture) orphan(t *testing.T, n int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.writeChunks(t, id, n)
	return id
}

func (f *fixture) writeChunks(t *testing.T, id uuid.UUID, n int) {
	t.Helper()
	for seq := range n {
		require.NoError(t, f.chunks.WriteChunk(context.Background(), id, uint32(seq), []byte("data")))
	}
}

func (f *fixture) owners(t *testing.T) []uuid.UUID {
	t.Helper()
	ids, err := f.chunks.Files(context.Background())
	require.NoError(t, err)
	return ids
}

func TestCollector_RunNow(t *testing.T) {
	f := newFixture(t)
	kept := f.file(t, 3)
	f.orphan(t, 2)
	f.orphan(t, 1)

	c := NewCollector("test", f.files, f.chunks, Config{BatchSize: 1})
	stats, err := c.RunNow(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 3, stats.ScannedCount)
	assert.EqualValues(t, 2, stats.OrphanedCount)
	assert.EqualValues(t, 2, stats.DeletedCount)
	assert.Zero(t, stats.FailedCount)
	assert.Equal(t, []uuid.UUID{kept}, f.owners(t))

	infos, err := f.chunks.List(context.Background(), kept)
	require.NoError(t, err)
	assert.Len(t, infos, 3)
}

func TestCollector_NothingToCollect(t *testing.T) {
	f := newFixture(t)
	f.file(t, 1)

	stats, err := NewCollector("test", f.files, f.chunks, Config{}).RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.OrphanedCount)
	assert.Contains(t, stats.Summary(), "scanned=1")
}

func TestCollector_DryRun(t *testing.T) {
	f := newFixture(t)
	for range 12 {
		f.orphan(t, 1)
	}

	stats, err := NewCollector("test", f.files, f.chunks, Config{DryRun: true}).RunNow(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 12, stats.OrphanedCount)
	assert.Zero(t, stats.DeletedCount)
	assert.Len(t, f.owners(t), 12)
}

func TestCollector_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.orphan(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCollector("test", f.files, f.chunks, Config{}).RunNow(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.owners(t), 1)
}

type failingDocuments struct{}

func (failingDocuments) Get(context.Context, uuid.UUID) (*document.File, error) {
	return nil, errors.New("database unavailable")
}

func TestCollector_LookupFailureDeletesNothing(t *testing.T) {
	f := newFixture(t)
	f.orphan(t, 1)

	_, err := NewCollector("test", failingDocuments{}, f.chunks, Config{}).RunNow(context.Background())
	assert.ErrorContains(t, err, "database unavailable")
	assert.Len(t, f.owners(t), 1, "an unknown document state must not be treated as missing")
}

func TestCollector_Background(t *testing.T) {
	f := newFixture(t)
	f.orphan(t, 2)

	c := NewCollector("test", f.files, f.chunks, Config{Enabled: true, Interval: 5 * time.Millisecond})
	c.Start()
	c.Start()

	assert.Eventually(t, func() bool {
		return len(f.owners(t)) == 0
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
}

func TestCollector_StopWithoutStart(t *testing.T) {
	f := newFixture(t)

	c := NewCollector("test", f.files, f.chunks, Config{Enabled: true})
	require.NoError(t, c.Stop(context.Background()))

	disabled := NewCollector("test", f.files, f.chunks, Config{})
	disabled.Start()
	require.NoError(t, disabled.Stop(context.Background()))
}
