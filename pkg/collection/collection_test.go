package collection_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/auth"
	"github.com/marmos91/filecollection/pkg/collection"
	"github.com/marmos91/filecollection/pkg/gc"
	"github.com/marmos91/filecollection/pkg/store"
	chunkmemory "github.com/marmos91/filecollection/pkg/store/chunk/memory"
	"github.com/marmos91/filecollection/pkg/store/document"
	docmemory "github.com/marmos91/filecollection/pkg/store/document/memory"
	"github.com/marmos91/filecollection/pkg/store/lock"
	lockmemory "github.com/marmos91/filecollection/pkg/store/lock/memory"
)

var alice = auth.Identity{UserID: "alice"}

func newCollection(t *testing.T, gate *auth.Gate) (*collection.Collection, *chunkmemory.MemoryChunkStore) {
	t.Helper()
	return newCollectionOn(t, gate, docmemory.New())
}

func newCollectionOn(t *testing.T, gate *auth.Gate, backend document.Backend) (*collection.Collection, *chunkmemory.MemoryChunkStore) {
	t.Helper()

	chunks := chunkmemory.NewMemoryChunkStore()
	files := document.NewFiles(backend, document.FilesConfig{ChunkSize: 8})
	locks := lock.NewManager(lockmemory.New(), lock.Config{
		Namespace:       "test",
		PollInterval:    time.Millisecond,
		MaxPollInterval: 5 * time.Millisecond,
	})
	c := collection.New(collection.Config{Name: "test", LockTimeout: 500 * time.Millisecond}, files, chunks, locks, gate)
	return c, chunks
}

func openGate() *auth.Gate {
	return auth.NewGate().
		Allow(auth.OpInsert, auth.Always).
		Allow(auth.OpUpdate, auth.Always).
		Allow(auth.OpRemove, auth.Always)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestInsert_Defaults(t *testing.T) {
	c, _ := newCollection(t, openGate())

	file, err := c.Insert(context.Background(), alice, map[string]any{})
	require.NoError(t, err)
	assert.Zero(t, file.Length)
	assert.Equal(t, document.EmptyMD5, file.MD5)
	assert.EqualValues(t, 8, file.ChunkSize)
	assert.False(t, file.Complete())
}

func TestInsert_GateSeesPreparedDocument(t *testing.T) {
	gate := auth.NewGate().Allow(auth.OpInsert, auth.OwnerIs("owner"))
	c, _ := newCollection(t, gate)
	ctx := context.Background()

	_, err := c.Insert(ctx, alice, map[string]any{"metadata": map[string]any{"owner": "alice"}})
	require.NoError(t, err)

	_, err = c.Insert(ctx, alice, map[string]any{"metadata": map[string]any{"owner": "bob"}})
	assert.True(t, store.IsCode(err, store.ErrAuthorization), "got %v", err)

	files, err := c.Find(ctx, document.Filter{})
	require.NoError(t, err)
	assert.Len(t, files, 1, "denied insert stores nothing")
}

func TestInsert_NoRulesRejects(t *testing.T) {
	c, _ := newCollection(t, nil)

	_, err := c.Insert(context.Background(), alice, map[string]any{})
	assert.True(t, store.IsCode(err, store.ErrAuthorization), "got %v", err)

	file, err := c.InsertTrusted(context.Background(), map[string]any{"length": 0})
	require.NoError(t, err)
	assert.NotNil(t, file)
}

func TestUpdate_Gated(t *testing.T) {
	gate := openGate()
	gate.Deny(auth.OpUpdate, func(req auth.Request) bool {
		return req.Document.Filename == "locked"
	})
	c, _ := newCollection(t, gate)
	ctx := context.Background()

	_, err := c.Insert(ctx, alice, map[string]any{"filename": "locked"})
	require.NoError(t, err)
	_, err = c.Insert(ctx, alice, map[string]any{"filename": "open", "metadata": map[string]any{"tag": "x"}})
	require.NoError(t, err)

	_, err = c.Update(ctx, alice, document.Filter{}, map[string]any{"contentType": "text/plain"})
	assert.True(t, store.IsCode(err, store.ErrAuthorization), "got %v", err)

	files, err := c.Find(ctx, document.Filter{"contentType": "text/plain"})
	require.NoError(t, err)
	assert.Empty(t, files, "no document updated when one is denied")

	n, err := c.Update(ctx, alice, document.Filter{"metadata.tag": "x"}, map[string]any{"contentType": "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// racingBackend runs beforeUpdate once, just ahead of the first Update.
type racingBackend struct {
	document.Backend
	beforeUpdate func()
}

func (b *racingBackend) Update(ctx context.Context, filter document.Filter, fn func(*document.File) error) (int, error) {
	if hook := b.beforeUpdate; hook != nil {
		b.beforeUpdate = nil
		hook()
	}
	return b.Backend.Update(ctx, filter, fn)
}

func TestUpdate_GatesLateMatches(t *testing.T) {
	gate := openGate()
	gate.Deny(auth.OpUpdate, func(req auth.Request) bool {
		return req.Document.Filename == "locked"
	})
	backend := &racingBackend{Backend: docmemory.New()}
	c, _ := newCollectionOn(t, gate, backend)
	ctx := context.Background()

	_, err := c.Insert(ctx, alice, map[string]any{"filename": "open", "metadata": map[string]any{"tag": "x"}})
	require.NoError(t, err)

	// A denied document starts matching while the update is under way.
	backend.beforeUpdate = func() {
		_, err := c.InsertTrusted(ctx, map[string]any{"filename": "locked", "metadata": map[string]any{"tag": "x"}})
		require.NoError(t, err)
	}

	_, err = c.Update(ctx, alice, document.Filter{"metadata.tag": "x"}, map[string]any{"contentType": "text/plain"})
	assert.True(t, store.IsCode(err, store.ErrAuthorization), "got %v", err)

	files, err := c.Find(ctx, document.Filter{"contentType": "text/plain"})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRemove_EmptyFilterRejected(t *testing.T) {
	c, _ := newCollection(t, openGate())
	ctx := context.Background()

	_, err := c.Insert(ctx, alice, map[string]any{"filename": "keep"})
	require.NoError(t, err)

	for _, filter := range []document.Filter{nil, {}} {
		_, err := c.Remove(ctx, alice, filter)
		assert.True(t, store.IsCode(err, store.ErrValidation), "filter %v: got %v", filter, err)
	}

	files, err := c.Find(ctx, document.Filter{})
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRemove_Cascade(t *testing.T) {
	c, chunks := newCollection(t, openGate())
	ctx := context.Background()

	file, err := c.Insert(ctx, alice, map[string]any{"filename": "doomed"})
	require.NoError(t, err)
	other, err := c.Insert(ctx, alice, map[string]any{"filename": "kept"})
	require.NoError(t, err)

	_, err = c.Write(ctx, alice, file, bytes.NewReader(bytes.Repeat([]byte("x"), 20)), collection.WriteOptions{Length: -1})
	require.NoError(t, err)
	_, err = c.Write(ctx, alice, other, bytes.NewReader([]byte("hello")), collection.WriteOptions{Length: -1})
	require.NoError(t, err)

	n, err := c.Remove(ctx, alice, document.Filter{"filename": "doomed"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Files().Get(ctx, file.ID)
	assert.True(t, store.IsCode(err, store.ErrNotFound))

	infos, err := chunks.List(ctx, file.ID)
	require.NoError(t, err)
	assert.Empty(t, infos)

	rec, err := c.Locks().Inspect(ctx, file.ID.String())
	require.NoError(t, err)
	assert.Empty(t, rec.Holders)

	infos, err = chunks.List(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestRemove_Denied(t *testing.T) {
	gate := auth.NewGate().
		Allow(auth.OpInsert, auth.Always).
		Allow(auth.OpRemove, auth.OwnerIs("owner"))
	c, _ := newCollection(t, gate)
	ctx := context.Background()

	_, err := c.Insert(ctx, alice, map[string]any{"filename": "a", "metadata": map[string]any{"owner": "alice"}})
	require.NoError(t, err)
	_, err = c.Insert(ctx, alice, map[string]any{"filename": "a", "metadata": map[string]any{"owner": "bob"}})
	require.NoError(t, err)

	_, err = c.Remove(ctx, alice, document.Filter{"filename": "a"})
	assert.True(t, store.IsCode(err, store.ErrAuthorization), "got %v", err)

	files, err := c.Find(ctx, document.Filter{"filename": "a"})
	require.NoError(t, err)
	assert.Len(t, files, 2, "nothing removed when one match is denied")
}

func TestWrite_ReadBack(t *testing.T) {
	c, chunks := newCollection(t, openGate())
	ctx := context.Background()

	file, err := c.Insert(ctx, alice, map[string]any{"filename": "data.bin"})
	require.NoError(t, err)

	data := []byte("the quick brown fox jumps over the lazy dog")
	done, err := c.Write(ctx, alice, file, bytes.NewReader(data), collection.WriteOptions{
		Length: int64(len(data)),
		MD5:    md5Hex(data),
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(data), done.Length)
	assert.Equal(t, md5Hex(data), done.MD5)
	assert.True(t, done.Complete())

	infos, err := chunks.List(ctx, file.ID)
	require.NoError(t, err)
	assert.Len(t, infos, 6)

	r, err := c.Open(ctx, document.ByID(file.ID))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, data, got)

	rec, err := c.Locks().Inspect(ctx, file.ID.String())
	require.NoError(t, err)
	assert.Empty(t, rec.Holders, "reader released its lease")
}

func TestWrite_DigestMismatch(t *testing.T) {
	c, chunks := newCollection(t, openGate())
	ctx := context.Background()

	file, err := c.Insert(ctx, alice, map[string]any{})
	require.NoError(t, err)

	_, err = c.Write(ctx, alice, file, bytes.NewReader([]byte("payload")), collection.WriteOptions{
		Length: -1,
		MD5:    md5Hex([]byte("something else")),
	})
	assert.True(t, store.IsCode(err, store.ErrIntegrity), "got %v", err)

	stored, err := c.Files().Get(ctx, file.ID)
	require.NoError(t, err)
	assert.False(t, stored.Complete())
	assert.Zero(t, chunks.Size())

	_, err = c.Open(ctx, document.ByID(file.ID))
	assert.True(t, store.IsCode(err, store.ErrNotFound), "got %v", err)
}

func TestWrite_LengthMismatch(t *testing.T) {
	c, _ := newCollection(t, openGate())
	ctx := context.Background()

	file, err := c.Insert(ctx, alice, map[string]any{})
	require.NoError(t, err)

	_, err = c.Write(ctx, alice, file, bytes.NewReader([]byte("abc")), collection.WriteOptions{Length: 4})
	assert.True(t, store.IsCode(err, store.ErrIntegrity), "got %v", err)
}

func TestWrite_GateSeesChange(t *testing.T) {
	gate := auth.NewGate().
		Allow(auth.OpInsert, auth.Always).
		Deny(auth.OpUpdate, auth.LengthExceeds(4)).
		Allow(auth.OpUpdate, auth.Authenticated)
	c, _ := newCollection(t, gate)
	ctx := context.Background()

	file, err := c.Insert(ctx, alice, map[string]any{})
	require.NoError(t, err)

	_, err = c.Write(ctx, alice, file, bytes.NewReader([]byte("too long")), collection.WriteOptions{Length: 8})
	assert.True(t, store.IsCode(err, store.ErrAuthorization), "got %v", err)

	_, err = c.Write(ctx, auth.Identity{}, file, bytes.NewReader([]byte("ok")), collection.WriteOptions{Length: 2})
	assert.True(t, store.IsCode(err, store.ErrAuthorization), "anonymous: got %v", err)

	_, err = c.Write(ctx, alice, file, bytes.NewReader([]byte("ok")), collection.WriteOptions{Length: 2})
	require.NoError(t, err)
}

func TestWrite_BlockedByReader(t *testing.T) {
	c, _ := newCollection(t, openGate())
	ctx := context.Background()

	file, err := c.Insert(ctx, alice, map[string]any{})
	require.NoError(t, err)
	file, err = c.Write(ctx, alice, file, bytes.NewReader([]byte("v1")), collection.WriteOptions{Length: -1})
	require.NoError(t, err)

	r, err := c.Open(ctx, document.ByID(file.ID))
	require.NoError(t, err)

	_, err = c.Write(ctx, alice, file, bytes.NewReader([]byte("v2")), collection.WriteOptions{Length: -1})
	assert.True(t, store.IsCode(err, store.ErrLockTimeout), "got %v", err)

	require.NoError(t, r.Close())
	_, err = c.Write(ctx, alice, file, bytes.NewReader([]byte("v2")), collection.WriteOptions{Length: -1})
	require.NoError(t, err)
}

func TestWrite_KeepsChunkSize(t *testing.T) {
	c, chunks := newCollection(t, openGate())
	ctx := context.Background()

	file, err := c.InsertTrusted(ctx, map[string]any{"chunkSize": 4})
	require.NoError(t, err)

	done, err := c.Write(ctx, alice, file, bytes.NewReader([]byte("0123456789")), collection.WriteOptions{Length: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 4, done.ChunkSize)

	infos, err := chunks.List(ctx, file.ID)
	require.NoError(t, err)
	assert.Len(t, infos, 3)
}

func TestWrite_FailedRewriteKeepsContent(t *testing.T) {
	c, chunks := newCollection(t, openGate())
	ctx := context.Background()

	file, err := c.Insert(ctx, alice, map[string]any{})
	require.NoError(t, err)
	original := []byte("original content")
	file, err = c.Write(ctx, alice, file, bytes.NewReader(original), collection.WriteOptions{Length: -1})
	require.NoError(t, err)

	readBack := func() []byte {
		t.Helper()
		r, err := c.Open(ctx, document.ByID(file.ID))
		require.NoError(t, err)
		defer func() { require.NoError(t, r.Close()) }()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		return data
	}

	t.Run("DigestMismatch", func(t *testing.T) {
		_, err := c.Write(ctx, alice, file, bytes.NewReader([]byte("replacement")), collection.WriteOptions{
			Length: -1,
			MD5:    md5Hex([]byte("something else")),
		})
		assert.True(t, store.IsCode(err, store.ErrIntegrity), "got %v", err)
		assert.Equal(t, original, readBack())
		assert.EqualValues(t, len(original), chunks.Size())
	})

	t.Run("BodyBreaksOff", func(t *testing.T) {
		collector := gc.NewCollector("test", c.Owners(), chunks, gc.Config{})
		body := &breakingReader{
			first: []byte("12345678"),
			afterFirst: func() {
				// Staged chunks survive a collection run.
				stats, err := collector.RunNow(ctx)
				require.NoError(t, err)
				assert.Zero(t, stats.OrphanedCount)
			},
		}

		_, err := c.Write(ctx, alice, file, body, collection.WriteOptions{Length: -1})
		require.Error(t, err)
		assert.Equal(t, original, readBack())
		assert.EqualValues(t, len(original), chunks.Size(), "staged chunks discarded")
	})
}

// breakingReader yields first, then fails like a dropped connection.
type breakingReader struct {
	first      []byte
	afterFirst func()
	read       bool
}

func (r *breakingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.first), nil
	}
	r.afterFirst()
	return 0, errors.New("connection reset")
}
