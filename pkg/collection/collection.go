// Package collection provides the store handle of one file collection: the
// document store, chunk store, lock manager, authorization gate and upload
// sessions bundled together and constructed once at startup.
//
// Every mutating entry point runs the same pipeline: resolve documents,
// consult the gate, take the lease, then touch chunks and documents.
package collection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/auth"
	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/chunk"
	"github.com/marmos91/filecollection/pkg/store/document"
	"github.com/marmos91/filecollection/pkg/store/lock"
	"github.com/marmos91/filecollection/pkg/upload"
)

// DefaultLockTimeout bounds the wait for a lease in collection operations.
const DefaultLockTimeout = 30 * time.Second

// Config configures a Collection.
type Config struct {
	// Name prefixes the persisted collections (<name>.files, ...)
	Name string

	// LockTimeout bounds lease acquisition for reads, writes and removes
	LockTimeout time.Duration

	// Upload configures the resumable upload sessions
	Upload upload.Config
}

// Collection is the store handle of one file collection.
//
// Thread Safety: Safe for concurrent use.
type Collection struct {
	name        string
	files       *document.Files
	chunks      chunk.Store
	locks       *lock.Manager
	gate        *auth.Gate
	uploads     *upload.Manager
	lockTimeout time.Duration

	// staging maps the staging id of each data write in progress to the
	// file it belongs to.
	staging sync.Map
}

// New assembles a collection from its stores. A nil gate rejects every
// mutation.
func New(cfg Config, files *document.Files, chunks chunk.Store, locks *lock.Manager, gate *auth.Gate) *Collection {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Upload.LockTimeout <= 0 {
		cfg.Upload.LockTimeout = cfg.LockTimeout
	}
	if gate == nil {
		gate = auth.NewGate()
	}

	return &Collection{
		name:        cfg.Name,
		files:       files,
		chunks:      chunks,
		locks:       locks,
		gate:        gate,
		uploads:     upload.NewManager(chunks, locks, files, cfg.Upload),
		lockTimeout: cfg.LockTimeout,
	}
}

func (c *Collection) Name() string               { return c.name }
func (c *Collection) Files() *document.Files     { return c.files }
func (c *Collection) Chunks() chunk.Store        { return c.chunks }
func (c *Collection) Locks() *lock.Manager       { return c.locks }
func (c *Collection) Gate() *auth.Gate           { return c.gate }
func (c *Collection) Uploads() *upload.Manager   { return c.uploads }
func (c *Collection) LockTimeout() time.Duration { return c.lockTimeout }

// Owners resolves chunk owners for the orphan collector. Besides file
// documents it knows the staging ids of data writes in progress, whose
// chunks belong to the file being written.
type Owners struct {
	c *Collection
}

// Owners returns the chunk owner lookup of the collection.
func (c *Collection) Owners() Owners { return Owners{c: c} }

// Get returns the document owning the chunks stored under id.
func (o Owners) Get(ctx context.Context, id uuid.UUID) (*document.File, error) {
	if target, ok := o.c.staging.Load(id); ok {
		return o.c.files.Get(ctx, target.(uuid.UUID))
	}
	return o.c.files.Get(ctx, id)
}

// Start launches the background upload-session sweeper.
func (c *Collection) Start() {
	c.uploads.Start()
}

// Stop halts background work.
func (c *Collection) Stop(ctx context.Context) error {
	return c.uploads.Stop(ctx)
}

// ============================================================================
// Documents
// ============================================================================

// Insert creates a file document on behalf of an untrusted caller. The gate
// sees the document exactly as it would be stored.
func (c *Collection) Insert(ctx context.Context, id auth.Identity, fields map[string]any) (*document.File, error) {
	file, err := c.files.Prepare(fields, document.Untrusted)
	if err != nil {
		return nil, err
	}
	if err := c.gate.Check(auth.OpInsert, auth.Request{Identity: id, Document: file}); err != nil {
		return nil, err
	}
	if err := c.files.Create(ctx, file); err != nil {
		return nil, err
	}
	return file.Clone(), nil
}

// InsertTrusted creates a document from server-side code. System fields
// are honored and the gate is not consulted.
func (c *Collection) InsertTrusted(ctx context.Context, fields map[string]any) (*document.File, error) {
	return c.files.Insert(ctx, fields, document.Trusted)
}

// Find returns the documents matching filter.
func (c *Collection) Find(ctx context.Context, filter document.Filter) ([]*document.File, error) {
	return c.files.Find(ctx, filter)
}

// FindOne resolves filter to exactly one document.
func (c *Collection) FindOne(ctx context.Context, filter document.Filter) (*document.File, error) {
	return c.files.FindOne(ctx, filter)
}

// Update applies changes to the documents matching filter. The gate sees
// every match inside the write itself, so one denial leaves all documents
// untouched, including those that started matching after the call began.
func (c *Collection) Update(ctx context.Context, id auth.Identity, filter document.Filter, changes map[string]any) (int, error) {
	return c.files.UpdateChecked(ctx, filter, changes, func(file *document.File) error {
		return c.gate.Check(auth.OpUpdate, auth.Request{Identity: id, Document: file})
	})
}

// Remove deletes the documents matching filter with their leases and
// chunks. An empty filter fails with store.ErrValidation. Every match must
// pass the gate before anything is removed.
//
// Per document the order is: lease record, chunks, document. A failure
// part-way leaves a document that can be removed again, at worst with
// orphaned chunks for the collector.
func (c *Collection) Remove(ctx context.Context, id auth.Identity, filter document.Filter) (int, error) {
	if filter.Empty() {
		return 0, store.Errorf(store.ErrValidation, "remove requires a non-empty filter")
	}

	matches, err := c.files.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	for _, file := range matches {
		if err := c.gate.Check(auth.OpRemove, auth.Request{Identity: id, Document: file}); err != nil {
			return 0, err
		}
	}

	removed := 0
	for _, file := range matches {
		if err := c.removeOne(ctx, file); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *Collection) removeOne(ctx context.Context, file *document.File) error {
	resource := file.ID.String()

	// Wait for in-flight readers and writers to finish.
	lease, err := c.locks.Acquire(ctx, resource, lock.Exclusive, c.lockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(ctx) }()

	c.uploads.Abort(file.ID)

	if err := c.locks.Purge(ctx, resource); err != nil {
		return err
	}
	if err := c.chunks.DeleteAll(ctx, file.ID); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", file.ID, err)
	}
	if err := c.files.Delete(ctx, file.ID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", file.ID, err)
	}

	logger.Debug("Removed file %s from %s", file.ID, c.name)
	return nil
}

// ============================================================================
// Data
// ============================================================================

// Reader streams the content of a complete file under a shared lease. The
// lease is kept alive until Close.
type Reader struct {
	file  *document.File
	lease *lock.Lease
	stop  func()
	r     *chunk.Reader
	ctx   context.Context
}

// File returns the document being read.
func (r *Reader) File() *document.File {
	return r.file
}

func (r *Reader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

// Close stops the heartbeat and releases the lease.
func (r *Reader) Close() error {
	r.stop()
	return r.lease.Release(r.ctx)
}

// Open resolves filter to one complete file and returns a reader over its
// content. Reads are not gated. An incomplete file fails with
// store.ErrNotFound.
func (c *Collection) Open(ctx context.Context, filter document.Filter) (*Reader, error) {
	file, err := c.files.FindOne(ctx, filter)
	if err != nil {
		return nil, err
	}
	return c.OpenFile(ctx, file)
}

// OpenFile returns a reader over a resolved document.
func (c *Collection) OpenFile(ctx context.Context, file *document.File) (*Reader, error) {
	lease, err := c.locks.Acquire(ctx, file.ID.String(), lock.Shared, c.lockTimeout)
	if err != nil {
		return nil, err
	}

	// The document may have changed while we waited for the lease.
	current, err := c.files.Get(ctx, file.ID)
	if err != nil {
		_ = lease.Release(ctx)
		return nil, err
	}
	if !current.Complete() {
		_ = lease.Release(ctx)
		return nil, store.ResourceError(store.ErrNotFound, file.ID.String(), "file has no finalized content")
	}

	return &Reader{
		file:  current,
		lease: lease,
		stop:  lease.KeepAlive(ctx),
		r:     chunk.NewReader(ctx, c.chunks, file.ID),
		ctx:   ctx,
	}, nil
}

// WriteOptions carries what a data write declares up front.
type WriteOptions struct {
	// Length is the declared byte count, or -1 when unknown
	Length int64

	// MD5 is the declared hex digest, or empty
	MD5 string
}

// Write replaces the content of file with body.
//
// The gate is consulted for update with the declared length and digest.
// Under the exclusive lease body is staged one chunk at a time in the file's
// chunk size and checked against the declaration. Only then is the document
// set incomplete and the staged chunks moved over. A declared length or
// digest that does not match fails with store.ErrIntegrity; like a body that
// breaks off, it leaves the previous content in place.
func (c *Collection) Write(ctx context.Context, id auth.Identity, file *document.File, body io.Reader, opts WriteOptions) (*document.File, error) {
	change := &auth.Change{Length: opts.Length, MD5: strings.ToLower(opts.MD5)}
	if err := c.gate.Check(auth.OpUpdate, auth.Request{Identity: id, Document: file, Change: change}); err != nil {
		return nil, err
	}

	lease, err := c.locks.Acquire(ctx, file.ID.String(), lock.Exclusive, c.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(ctx) }()

	stop := lease.KeepAlive(ctx)
	defer stop()

	// A data write supersedes any resumable upload in progress.
	c.uploads.Abort(file.ID)

	current, err := c.files.Get(ctx, file.ID)
	if err != nil {
		return nil, err
	}

	staging := c.stage(file.ID)
	defer c.unstage(ctx, staging)

	length, digest, err := c.store(ctx, staging, body, int(current.ChunkSize))
	if err == nil {
		err = verify(file, opts, length, digest)
	}
	if err != nil {
		return nil, err
	}

	if err := c.files.MarkIncomplete(ctx, file.ID); err != nil {
		return nil, err
	}
	if err := c.chunks.DeleteAll(ctx, file.ID); err != nil {
		return nil, fmt.Errorf("failed to discard old content of %s: %w", file.ID, err)
	}
	if err := chunk.Move(ctx, c.chunks, staging, file.ID); err != nil {
		return nil, err
	}

	uploaded := time.Now().UTC()
	if err := c.files.SetSystemFields(ctx, file.ID, document.SystemFields{
		Length:     length,
		MD5:        digest,
		UploadDate: &uploaded,
	}); err != nil {
		return nil, err
	}

	logger.Debug("Wrote %d bytes to %s", length, file.ID)
	return c.files.Get(ctx, file.ID)
}

// stage reserves a staging id for a data write to fileID.
func (c *Collection) stage(fileID uuid.UUID) uuid.UUID {
	staging := uuid.New()
	c.staging.Store(staging, fileID)
	return staging
}

// unstage drops whatever is left under a staging id.
func (c *Collection) unstage(ctx context.Context, staging uuid.UUID) {
	if err := c.chunks.DeleteAll(context.WithoutCancel(ctx), staging); err != nil {
		logger.Warn("Failed to discard staged content %s: %v", staging, err)
	}
	c.staging.Delete(staging)
}

// store copies body into chunks of owner while hashing it.
func (c *Collection) store(ctx context.Context, owner uuid.UUID, body io.Reader, chunkSize int) (int64, string, error) {
	w, err := chunk.NewWriter(ctx, c.chunks, owner, chunkSize)
	if err != nil {
		return 0, "", err
	}

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(w, hash), body); err != nil {
		_ = w.Close()
		return 0, "", fmt.Errorf("failed to store content of %s: %w", owner, err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to store content of %s: %w", owner, err)
	}
	return w.Length(), hex.EncodeToString(hash.Sum(nil)), nil
}

func verify(file *document.File, opts WriteOptions, length int64, digest string) error {
	if opts.Length >= 0 && opts.Length != length {
		return store.ResourceError(store.ErrIntegrity, file.ID.String(),
			fmt.Sprintf("received %d bytes, declared %d", length, opts.Length))
	}
	if opts.MD5 != "" && !strings.EqualFold(opts.MD5, digest) {
		return store.ResourceError(store.ErrIntegrity, file.ID.String(),
			fmt.Sprintf("md5 mismatch: computed %s, declared %s", digest, opts.MD5))
	}
	return nil
}
