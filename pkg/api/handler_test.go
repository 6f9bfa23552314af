package api

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/auth"
	"github.com/marmos91/filecollection/pkg/collection"
	"github.com/marmos91/filecollection/pkg/store"
	chunkmemory "github.com/marmos91/filecollection/pkg/store/chunk/memory"
	"github.com/marmos91/filecollection/pkg/store/document"
	docmemory "github.com/marmos91/filecollection/pkg/store/document/memory"
	"github.com/marmos91/filecollection/pkg/store/lock"
	lockmemory "github.com/marmos91/filecollection/pkg/store/lock/memory"
)

type testEnv struct {
	coll    *collection.Collection
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	files := document.NewFiles(docmemory.New(), document.FilesConfig{ChunkSize: 16})
	locks := lock.NewManager(lockmemory.New(), lock.Config{
		Namespace:       "media",
		PollInterval:    time.Millisecond,
		MaxPollInterval: 5 * time.Millisecond,
	})
	gate := auth.NewGate().
		Allow(auth.OpInsert, auth.Always).
		Allow(auth.OpUpdate, auth.Authenticated).
		Allow(auth.OpRemove, auth.OwnerIs("owner"))

	coll := collection.New(collection.Config{Name: "media", LockTimeout: 300 * time.Millisecond},
		files, chunkmemory.NewMemoryChunkStore(), locks, gate)

	router, err := NewRouter(DefaultRoutes()...)
	require.NoError(t, err)

	h := NewHandler(coll, router, Config{Resumable: true})
	return &testEnv{coll: coll, handler: NewMux(ServerConfig{}, h)}
}

func (e *testEnv) insert(t *testing.T, fields map[string]any) *document.File {
	t.Helper()
	file, err := e.coll.Insert(context.Background(), auth.Identity{}, fields)
	require.NoError(t, err)
	return file
}

func (e *testEnv) do(req *http.Request, user string) *httptest.ResponseRecorder {
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func hexMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code store.ErrorCode
		want int
	}{
		{store.ErrValidation, http.StatusBadRequest},
		{store.ErrAuthorization, http.StatusForbidden},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{store.ErrLockTimeout, http.StatusConflict},
		{store.ErrIntegrity, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", store.Errorf(tt.code, "boom"))
			assert.Equal(t, tt.want, StatusCode(err))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("disk on fire")))
}

func TestWriteError_LockTimeoutVersusConflict(t *testing.T) {
	tests := []struct {
		code       store.ErrorCode
		body       string
		retryAfter string
	}{
		{store.ErrLockTimeout, "LockTimeoutError", "1"},
		{store.ErrConflict, "ConflictError", ""},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodPut, "/store/media/a.txt", nil), store.Errorf(tt.code, "busy"))

			assert.Equal(t, http.StatusConflict, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.body, body.Error)
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestWriteThenRead(t *testing.T) {
	env := newTestEnv(t)
	file := env.insert(t, map[string]any{"filename": "notes.txt", "contentType": "text/plain"})
	data := []byte("hello chunked world, this is longer than one chunk")

	req := httptest.NewRequest(http.MethodPost, "/store/media/id/"+file.ID.String(), bytes.NewReader(data))
	rec := env.do(req, "alice")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var written document.File
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &written))
	assert.EqualValues(t, len(data), written.Length)
	assert.Equal(t, hexMD5(data), written.MD5)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/store/media/notes.txt", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"`+hexMD5(data)+`"`, rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/store/media/notes.txt?download=true", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename=notes.txt`, rec.Header().Get("Content-Disposition"))

	rec = env.do(httptest.NewRequest(http.MethodHead, "/store/media/notes.txt", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.Itoa(len(data)), rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())

	req = httptest.NewRequest(http.MethodGet, "/store/media/notes.txt", nil)
	req.Header.Set("If-None-Match", `"`+hexMD5(data)+`"`)
	rec = env.do(req, "")
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestPutReplaces(t *testing.T) {
	env := newTestEnv(t)
	file := env.insert(t, map[string]any{"filename": "a.bin"})
	url := "/store/media/id/" + file.ID.String()

	rec := env.do(httptest.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("first version"))), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("v2"))), "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, url, nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v2", rec.Body.String())
}

func TestWriteErrors(t *testing.T) {
	env := newTestEnv(t)
	file := env.insert(t, map[string]any{"filename": "x.bin"})
	url := "/store/media/id/" + file.ID.String()

	t.Run("NoDocument", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodPut, "/store/media/missing.bin", bytes.NewReader([]byte("x"))), "alice")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Anonymous", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("x"))), "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("DigestMismatch", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("payload")))
		req.Header.Set("Content-MD5", hexMD5([]byte("other")))
		rec := env.do(req, "alice")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = env.do(httptest.NewRequest(http.MethodGet, url, nil), "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "failed write leaves the file incomplete")
	})

	t.Run("Base64Digest", func(t *testing.T) {
		data := []byte("payload")
		sum := md5.Sum(data)
		req := httptest.NewRequest(http.MethodPut, url, bytes.NewReader(data))
		req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
		rec := env.do(req, "alice")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("MalformedDigest", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("x")))
		req.Header.Set("Content-MD5", "nope")
		rec := env.do(req, "alice")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("UnknownPath", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/store/other/x", nil), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAmbiguousFilter(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, map[string]any{"filename": "dup"})
	env.insert(t, map[string]any{"filename": "dup"})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/store/media/dup", nil), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	file := env.insert(t, map[string]any{"filename": "owned", "metadata": map[string]any{"owner": "alice"}})
	url := "/store/media/id/" + file.ID.String()

	rec := env.do(httptest.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("data"))), "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, url, nil), "bob")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, url, nil), "alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, url, nil), "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	infos, err := env.coll.Chunks().List(context.Background(), file.ID)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

// blockingBody serves a first slice, then blocks until released.
type blockingBody struct {
	first   []byte
	rest    []byte
	sent    bool
	release chan struct{}
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, b.first), nil
	}
	<-b.release
	if len(b.rest) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.rest)
	b.rest = b.rest[n:]
	return n, nil
}

func TestConcurrentPutsNeverInterleave(t *testing.T) {
	env := newTestEnv(t)
	file := env.insert(t, map[string]any{"filename": "race.bin"})
	url := "/store/media/id/" + file.ID.String()

	winner := bytes.Repeat([]byte("A"), 100)
	loser := bytes.Repeat([]byte("B"), 100)

	body := &blockingBody{first: winner[:40], rest: winner[40:], release: make(chan struct{})}

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = env.do(httptest.NewRequest(http.MethodPut, url, body), "alice")
	}()

	require.Eventually(t, func() bool {
		rec, err := env.coll.Locks().Inspect(context.Background(), file.ID.String())
		return err == nil && rec.Mode == lock.Exclusive && len(rec.Holders) == 1
	}, time.Second, time.Millisecond)

	second := env.do(httptest.NewRequest(http.MethodPut, url, bytes.NewReader(loser)), "bob")
	assert.Equal(t, http.StatusConflict, second.Code, "second writer times out on the lease")
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	close(body.release)
	wg.Wait()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	rec := env.do(httptest.NewRequest(http.MethodGet, url, nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, winner, rec.Body.Bytes())
}

func TestConcurrentPutsSerialize(t *testing.T) {
	env := newTestEnv(t)
	file := env.insert(t, map[string]any{"filename": "serial.bin"})
	url := "/store/media/id/" + file.ID.String()

	bodies := [][]byte{bytes.Repeat([]byte("x"), 70), bytes.Repeat([]byte("y"), 70)}
	codes := make([]int, len(bodies))

	var wg sync.WaitGroup
	for i, b := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = env.do(httptest.NewRequest(http.MethodPut, url, bytes.NewReader(b)), "alice").Code
		}()
	}
	wg.Wait()

	for _, code := range codes {
		assert.Contains(t, []int{http.StatusOK, http.StatusConflict}, code)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, url, nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := rec.Body.Bytes()
	assert.True(t, bytes.Equal(got, bodies[0]) || bytes.Equal(got, bodies[1]), "got %q", got)
}

func resumableForm(t *testing.T, fields map[string]string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", "blob")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestResumableUpload(t *testing.T) {
	env := newTestEnv(t)
	file := env.insert(t, map[string]any{"filename": "big.bin"})

	data := bytes.Repeat([]byte("0123456789"), 4) // 40 bytes, 3 chunks of 16
	const chunkSize = 16
	chunks := [][]byte{data[0:16], data[16:32], data[32:40]}

	params := func(number int) map[string]string {
		return map[string]string{
			"resumableIdentifier":  file.ID.String(),
			"resumableChunkNumber": strconv.Itoa(number),
			"resumableChunkSize":   strconv.Itoa(chunkSize),
			"resumableTotalSize":   strconv.Itoa(len(data)),
		}
	}
	testURL := func(number int) string {
		return fmt.Sprintf("/store/media/_resumable?resumableIdentifier=%s&resumableChunkNumber=%d", file.ID, number)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, testURL(2), nil), "alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	for _, number := range []int{3, 1} {
		body, contentType := resumableForm(t, params(number), chunks[number-1])
		req := httptest.NewRequest(http.MethodPost, "/store/media/_resumable", body)
		req.Header.Set("Content-Type", contentType)
		rec := env.do(req, "alice")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, testURL(3), nil), "alice")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodGet, testURL(2), nil), "alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Raw body with parameters in the query string.
	q := fmt.Sprintf("/store/media/_resumable?resumableIdentifier=%s&resumableChunkNumber=2&resumableChunkSize=%d&resumableTotalSize=%d",
		file.ID, chunkSize, len(data))
	rec = env.do(httptest.NewRequest(http.MethodPost, q, bytes.NewReader(chunks[1])), "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var done document.File
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.EqualValues(t, len(data), done.Length)
	assert.Equal(t, hexMD5(data), done.MD5)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/store/media/big.bin", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestResumableErrors(t *testing.T) {
	env := newTestEnv(t)
	file := env.insert(t, map[string]any{"filename": "r.bin"})

	t.Run("BadIdentifier", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/store/media/_resumable?resumableIdentifier=x&resumableChunkNumber=1", nil), "alice")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ZeroChunkNumber", func(t *testing.T) {
		url := fmt.Sprintf("/store/media/_resumable?resumableIdentifier=%s&resumableChunkNumber=0", file.ID)
		rec := env.do(httptest.NewRequest(http.MethodGet, url, nil), "alice")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Anonymous", func(t *testing.T) {
		url := fmt.Sprintf("/store/media/_resumable?resumableIdentifier=%s&resumableChunkNumber=1&resumableChunkSize=16&resumableTotalSize=4", file.ID)
		rec := env.do(httptest.NewRequest(http.MethodPost, url, bytes.NewReader([]byte("abcd"))), "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("WrongChunkSize", func(t *testing.T) {
		url := fmt.Sprintf("/store/media/_resumable?resumableIdentifier=%s&resumableChunkNumber=1&resumableChunkSize=16&resumableTotalSize=20", file.ID)
		rec := env.do(httptest.NewRequest(http.MethodPost, url, bytes.NewReader([]byte("short"))), "alice")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("SizeChangedMidUpload", func(t *testing.T) {
		url := fmt.Sprintf("/store/media/_resumable?resumableIdentifier=%s&resumableChunkNumber=2&resumableChunkSize=16&resumableTotalSize=40", file.ID)
		rec := env.do(httptest.NewRequest(http.MethodPost, url, bytes.NewReader(make([]byte, 16))), "alice")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("ForeignChunkSize", func(t *testing.T) {
		other := env.insert(t, map[string]any{"filename": "s.bin"})
		url := fmt.Sprintf("/store/media/_resumable?resumableIdentifier=%s&resumableChunkNumber=1&resumableChunkSize=8&resumableTotalSize=8", other.ID)
		rec := env.do(httptest.NewRequest(http.MethodPost, url, bytes.NewReader(make([]byte, 8))), "alice")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		stored, err := env.coll.Files().Get(context.Background(), other.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 16, stored.ChunkSize)
	})

	t.Run("NoFilePart", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("resumableIdentifier", file.ID.String()))
		require.NoError(t, mw.Close())
		req := httptest.NewRequest(http.MethodPost, "/store/media/_resumable", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := env.do(req, "alice")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHeaderIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, HeaderIdentity(req).Anonymous())

	req.Header.Set("X-User-Id", " alice ")
	req.Header.Set("X-User-Roles", "admin, ,editor")
	id := HeaderIdentity(req)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, []string{"admin", "editor"}, id.Roles)
}
