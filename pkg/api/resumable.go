package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/upload"
)

const (
	// maxResumableChunk bounds the bytes accepted for one chunk.
	maxResumableChunk = 64 << 20

	// maxFormValue bounds a non-file multipart field.
	maxFormValue = 4 << 10
)

// resumableRequest holds the resumable.js parameters of one request. The
// identifier is the id of the target file document; chunk numbers are
// 1-based. Clients must send fixed-size chunks (forceChunkSize) of the
// document's chunk size.
type resumableRequest struct {
	fileID      uuid.UUID
	chunkNumber uint32
	chunkSize   int64
	totalSize   int64
}

func parseResumable(values url.Values) (resumableRequest, error) {
	var req resumableRequest

	id, err := uuid.Parse(values.Get("resumableIdentifier"))
	if err != nil {
		return req, store.Errorf(store.ErrValidation, "resumableIdentifier must be a file id")
	}
	req.fileID = id

	number, err := strconv.ParseUint(values.Get("resumableChunkNumber"), 10, 32)
	if err != nil || number < 1 {
		return req, store.Errorf(store.ErrValidation, "resumableChunkNumber must be a positive integer")
	}
	req.chunkNumber = uint32(number)

	if v := values.Get("resumableChunkSize"); v != "" {
		if req.chunkSize, err = strconv.ParseInt(v, 10, 64); err != nil || req.chunkSize <= 0 {
			return req, store.Errorf(store.ErrValidation, "invalid resumableChunkSize %q", v)
		}
	}
	if v := values.Get("resumableTotalSize"); v != "" {
		if req.totalSize, err = strconv.ParseInt(v, 10, 64); err != nil || req.totalSize < 0 {
			return req, store.Errorf(store.ErrValidation, "invalid resumableTotalSize %q", v)
		}
	}
	return req, nil
}

func (h *Handler) serveResumable(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.resumableTest(w, r)
	case http.MethodPost, http.MethodPut:
		h.resumableChunk(w, r)
	default:
		writeError(w, r, store.Errorf(store.ErrValidation, "method %s not supported", r.Method))
	}
}

// resumableTest answers 200 when the chunk is already stored, 204 when the
// client should send it.
func (h *Handler) resumableTest(w http.ResponseWriter, r *http.Request) {
	req, err := parseResumable(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.coll.Uploads().HasChunk(req.fileID, req.chunkNumber-1) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type progress struct {
	Received uint32 `json:"received"`
	Expected uint32 `json:"expected"`
}

// resumableChunk accepts one chunk, as a multipart form with a "file" part
// or as a raw body with the parameters in the query string.
func (h *Handler) resumableChunk(w http.ResponseWriter, r *http.Request) {
	values, data, err := readChunk(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := parseResumable(values)
	if err != nil {
		writeError(w, r, err)
		return
	}

	done, err := h.coll.UploadChunk(r.Context(), h.identity(r), upload.Registration{
		FileID:    req.fileID,
		TotalSize: req.totalSize,
		ChunkSize: req.chunkSize,
	}, req.chunkNumber-1, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if done != nil {
		writeJSON(w, http.StatusOK, done)
		return
	}

	sess, _ := h.coll.Uploads().Get(req.fileID)
	writeJSON(w, http.StatusOK, progress{Received: sess.ReceivedChunks, Expected: sess.ExpectedChunks})
}

func readChunk(w http.ResponseWriter, r *http.Request) (url.Values, []byte, error) {
	values := r.URL.Query()
	body := http.MaxBytesReader(w, r.Body, maxResumableChunk+1<<20)

	r.Body = body
	mr, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		data, err := readLimited(body, maxResumableChunk)
		return values, data, err
	}
	if err != nil {
		return nil, nil, store.Errorf(store.ErrValidation, "malformed multipart body: %v", err)
	}

	var data []byte
	found := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, store.Errorf(store.ErrValidation, "malformed multipart body: %v", err)
		}

		if part.FormName() == "file" || part.FileName() != "" {
			data, err = readLimited(part, maxResumableChunk)
			found = true
		} else {
			var value []byte
			value, err = readLimited(part, maxFormValue)
			values.Set(part.FormName(), string(value))
		}
		_ = part.Close()
		if err != nil {
			return nil, nil, err
		}
	}

	if !found {
		return nil, nil, store.Errorf(store.ErrValidation, "multipart body has no file part")
	}
	return values, data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, store.Errorf(store.ErrValidation, "failed to read body: %v", err)
	}
	if int64(len(data)) > limit {
		return nil, store.Errorf(store.ErrValidation, "part exceeds %d bytes", limit)
	}
	return data, nil
}
