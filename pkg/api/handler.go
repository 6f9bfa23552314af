package api

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/auth"
	"github.com/marmos91/filecollection/pkg/collection"
	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/document"
)

const (
	resumablePath = "/_resumable"

	// maxCopyBuffer caps the streaming buffer for files with huge chunks
	maxCopyBuffer = 4 << 20
)

// IdentityFunc extracts the caller identity from a request. Returning the
// zero Identity means anonymous.
type IdentityFunc func(r *http.Request) auth.Identity

// HeaderIdentity reads the user id from X-User-Id and comma-separated roles
// from X-User-Roles. Suitable behind an authenticating proxy only.
func HeaderIdentity(r *http.Request) auth.Identity {
	id := auth.Identity{UserID: strings.TrimSpace(r.Header.Get("X-User-Id"))}
	if id.UserID == "" {
		return auth.Identity{}
	}
	for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			id.Roles = append(id.Roles, role)
		}
	}
	return id
}

// Metrics observes served requests. Optional.
type Metrics interface {
	ObserveRequest(collection, method string, status int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, string, int, time.Duration) {}

// Config configures a Handler.
type Config struct {
	// BasePath is the URL prefix of the collection (default /store/<name>)
	BasePath string

	// Identity extracts the caller (default HeaderIdentity)
	Identity IdentityFunc

	// Resumable enables the resumable.js endpoints under <base>/_resumable
	Resumable bool

	Metrics Metrics
}

// Handler serves one collection.
type Handler struct {
	coll      *collection.Collection
	router    *Router
	base      string
	identity  IdentityFunc
	resumable bool
	metrics   Metrics
}

// NewHandler binds router to coll.
func NewHandler(coll *collection.Collection, router *Router, cfg Config) *Handler {
	h := &Handler{
		coll:      coll,
		router:    router,
		base:      strings.TrimRight(cfg.BasePath, "/"),
		identity:  cfg.Identity,
		resumable: cfg.Resumable,
		metrics:   cfg.Metrics,
	}
	if h.base == "" {
		h.base = "/store/" + coll.Name()
	}
	if h.identity == nil {
		h.identity = HeaderIdentity
	}
	if h.metrics == nil {
		h.metrics = noopMetrics{}
	}
	return h
}

// BasePath returns the URL prefix served by h.
func (h *Handler) BasePath() string {
	return h.base
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		h.metrics.ObserveRequest(h.coll.Name(), r.Method, rec.status, time.Since(start))
	}()

	rest, ok := strings.CutPrefix(r.URL.EscapedPath(), h.base)
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		writeError(rec, r, store.Errorf(store.ErrNotFound, "no collection at %s", r.URL.Path))
		return
	}

	if h.resumable && (rest == resumablePath || rest == resumablePath+"/") {
		h.serveResumable(rec, r)
		return
	}

	route, params, ok := h.router.Match(r.Method, rest)
	if !ok {
		writeError(rec, r, store.Errorf(store.ErrNotFound, "no route for %s %s", r.Method, rest))
		return
	}

	file, err := h.coll.FindOne(r.Context(), route.Filter(params, r.URL.Query()))
	if err != nil {
		writeError(rec, r, err)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.serveRead(rec, r, file)
	case http.MethodPost, http.MethodPut:
		h.serveWrite(rec, r, file)
	case http.MethodDelete:
		h.serveDelete(rec, r, file)
	default:
		writeError(rec, r, store.Errorf(store.ErrValidation, "method %s not supported", r.Method))
	}
}

// ============================================================================
// Read
// ============================================================================

func (h *Handler) serveRead(w http.ResponseWriter, r *http.Request, file *document.File) {
	if r.Method == http.MethodHead {
		if !file.Complete() {
			writeError(w, r, store.ResourceError(store.ErrNotFound, file.ID.String(), "file has no finalized content"))
			return
		}
		setContentHeaders(w, r, file)
		w.Header().Set("Content-Length", fmt.Sprint(file.Length))
		w.WriteHeader(http.StatusOK)
		return
	}

	if file.Complete() && etagMatches(r.Header.Get("If-None-Match"), file.MD5) {
		setContentHeaders(w, r, file)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	reader, err := h.coll.OpenFile(r.Context(), file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("Failed to release read lease on %s: %v", file.ID, err)
		}
	}()

	current := reader.File()
	setContentHeaders(w, r, current)
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, min(max(current.ChunkSize, 1), maxCopyBuffer))
	if _, err := io.CopyBuffer(w, reader, buf); err != nil {
		// Headers are gone; drop the connection so the client sees a
		// truncated transfer rather than a short success.
		logger.Warn("Streaming %s aborted: %v", file.ID, err)
		panic(http.ErrAbortHandler)
	}
}

func setContentHeaders(w http.ResponseWriter, r *http.Request, file *document.File) {
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+file.MD5+`"`)
	if file.UploadDate != nil {
		w.Header().Set("Last-Modified", file.UploadDate.UTC().Format(http.TimeFormat))
	}
	if r.URL.Query().Get("download") == "true" {
		name := file.Filename
		if name == "" {
			name = file.ID.String()
		}
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
}

func etagMatches(header, md5 string) bool {
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
		if tag == "*" || strings.Trim(tag, `"`) == md5 {
			return true
		}
	}
	return false
}

// ============================================================================
// Write and delete
// ============================================================================

func (h *Handler) serveWrite(w http.ResponseWriter, r *http.Request, file *document.File) {
	digest, err := parseContentMD5(r.Header.Get("Content-MD5"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	opts := collection.WriteOptions{Length: r.ContentLength, MD5: digest}
	updated, err := h.coll.Write(r.Context(), h.identity(r), file, r.Body, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSON(w, status, updated)
}

// parseContentMD5 accepts the RFC 1864 base64 form or a hex digest.
func parseContentMD5(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	if len(header) == 32 {
		if _, err := hex.DecodeString(header); err == nil {
			return strings.ToLower(header), nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil || len(raw) != 16 {
		return "", store.Errorf(store.ErrValidation, "malformed Content-MD5 %q", header)
	}
	return hex.EncodeToString(raw), nil
}

func (h *Handler) serveDelete(w http.ResponseWriter, r *http.Request, file *document.File) {
	if _, err := h.coll.Remove(r.Context(), h.identity(r), document.ByID(file.ID)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
