// Package upload implements resumable, out-of-order chunk uploads.
//
// A client registers the total size and chunk size of a file, sends chunks
// in any order (retransmissions are harmless) and finalizes once every
// sequence is present. Finalize verifies the assembled length and digest
// before the file document becomes complete.
//
// Sessions live in process memory. A session lost to a restart is resumed by
// registering again: chunks already in the chunk store with the right size
// count as received.
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/chunk"
	"github.com/marmos91/filecollection/pkg/store/document"
	"github.com/marmos91/filecollection/pkg/store/lock"
)

const (
	// DefaultSessionTimeout is how long a session may sit idle before the
	// sweeper discards it.
	DefaultSessionTimeout = 24 * time.Hour

	// DefaultSweepInterval is how often Start runs Sweep.
	DefaultSweepInterval = 10 * time.Minute

	// DefaultLockTimeout bounds the wait for a lease on the file.
	DefaultLockTimeout = 30 * time.Second

	// DefaultMaxChunks bounds the chunk count of one registration. At the
	// default chunk size this admits files of 2 TiB.
	DefaultMaxChunks = 1 << 20
)

var validate = validator.New()

type registrationRules struct {
	TotalSize int64  `validate:"gte=0"`
	ChunkSize int64  `validate:"gte=0"`
	MD5       string `validate:"omitempty,len=32,hexadecimal"`
}

// Metrics observes upload activity. Optional.
type Metrics interface {
	// RecordChunk counts one accepted chunk of size bytes.
	RecordChunk(size int)

	// ObserveFinalize records one finalize; outcome is "ok", "integrity",
	// "conflict" or "error".
	ObserveFinalize(outcome string, duration time.Duration)

	// SetActiveSessions reports the number of open sessions.
	SetActiveSessions(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordChunk(int)                       {}
func (noopMetrics) ObserveFinalize(string, time.Duration) {}
func (noopMetrics) SetActiveSessions(int)                 {}

// Config configures a Manager.
type Config struct {
	// SessionTimeout is the idle time after which Sweep drops a session
	SessionTimeout time.Duration

	// SweepInterval is the period of the background sweeper
	SweepInterval time.Duration

	// LockTimeout bounds lease acquisition on the file
	LockTimeout time.Duration

	// MaxChunks is the largest chunk count a registration may declare
	MaxChunks uint32

	Metrics Metrics

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Manager tracks the upload sessions of one collection.
//
// Thread Safety: Safe for concurrent use. Chunk writes of the same file run
// in parallel under shared leases; finalize takes the exclusive lease.
type Manager struct {
	chunks chunk.Store
	locks  *lock.Manager
	files  *document.Files
	config Config

	mu       sync.Mutex
	sessions map[uuid.UUID]*session

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewManager creates a session manager over the stores of one collection.
func NewManager(chunks chunk.Store, locks *lock.Manager, files *document.Files, cfg Config) *Manager {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.MaxChunks == 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		chunks:   chunks,
		locks:    locks,
		files:    files,
		config:   cfg,
		sessions: make(map[uuid.UUID]*session),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// ============================================================================
// Registration
// ============================================================================

// Register opens a session for reg.FileID.
//
// A second registration while a session exists fails with
// store.ErrConflict. If the document is complete its data is discarded and
// it returns to the incomplete state. A chunk size other than the
// document's fails with store.ErrValidation. Chunks already stored with the
// expected size are counted as received; any other chunk is deleted.
//
// Returns:
//   - Session: snapshot of the new session
//   - error: store.ErrValidation, store.ErrNotFound, store.ErrConflict,
//     store.ErrLockTimeout or an infrastructure error
func (m *Manager) Register(ctx context.Context, reg Registration) (Session, error) {
	if err := validate.Struct(registrationRules{
		TotalSize: reg.TotalSize,
		ChunkSize: reg.ChunkSize,
		MD5:       reg.MD5,
	}); err != nil {
		return Session{}, store.Errorf(store.ErrValidation, "invalid registration: %v", err)
	}

	file, err := m.files.Get(ctx, reg.FileID)
	if err != nil {
		return Session{}, err
	}

	// The chunk size belongs to the document.
	switch reg.ChunkSize {
	case 0:
		reg.ChunkSize = file.ChunkSize
	case file.ChunkSize:
	default:
		return Session{}, store.ResourceError(store.ErrValidation, reg.FileID.String(),
			fmt.Sprintf("chunk size %d does not match the file chunk size %d", reg.ChunkSize, file.ChunkSize))
	}

	expected := expectedChunks(reg.TotalSize, reg.ChunkSize)
	if (expected <= 0 && reg.TotalSize > 0) || expected > int64(m.config.MaxChunks) {
		return Session{}, store.Errorf(store.ErrValidation,
			"%d bytes in chunks of %d exceeds the limit of %d chunks", reg.TotalSize, reg.ChunkSize, m.config.MaxChunks)
	}

	now := m.config.Now()
	s := &session{
		fileID:         reg.FileID,
		chunkSize:      reg.ChunkSize,
		totalSize:      reg.TotalSize,
		expectedChunks: uint32(expected),
		expectedMD5:    strings.ToLower(reg.MD5),
		received:       newBitmap(uint32(expected)),
		createdAt:      now,
		lastActivity:   now,
	}

	// Reserve the slot before any I/O so concurrent registrations conflict.
	m.mu.Lock()
	if _, exists := m.sessions[reg.FileID]; exists {
		m.mu.Unlock()
		return Session{}, store.ResourceError(store.ErrConflict, reg.FileID.String(), "upload session already exists")
	}
	m.sessions[reg.FileID] = s
	m.mu.Unlock()

	if err := m.prepare(ctx, file, s); err != nil {
		m.mu.Lock()
		delete(m.sessions, reg.FileID)
		m.mu.Unlock()
		return Session{}, err
	}

	m.mu.Lock()
	s.ready = true
	snap := s.snapshot()
	active := len(m.sessions)
	m.mu.Unlock()

	m.config.Metrics.SetActiveSessions(active)
	logger.Debug("Upload session registered: file=%s size=%d chunk_size=%d expected=%d resumed=%d",
		reg.FileID, reg.TotalSize, reg.ChunkSize, snap.ExpectedChunks, snap.ReceivedChunks)
	return snap, nil
}

// prepare resets or rediscovers the stored state of the file under the
// exclusive lease.
func (m *Manager) prepare(ctx context.Context, file *document.File, s *session) error {
	lease, err := m.locks.Acquire(ctx, file.ID.String(), lock.Exclusive, m.config.LockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(ctx) }()

	if file.Complete() {
		if err := m.chunks.DeleteAll(ctx, file.ID); err != nil {
			return fmt.Errorf("failed to discard data of %s: %w", file.ID, err)
		}
		return m.files.MarkIncomplete(ctx, file.ID)
	}

	stored, err := m.chunks.List(ctx, file.ID)
	if err != nil {
		return fmt.Errorf("failed to list chunks of %s: %w", file.ID, err)
	}
	for _, info := range stored {
		if info.Sequence < s.expectedChunks && info.Size == s.expectedSize(info.Sequence) {
			s.received.set(info.Sequence)
			continue
		}
		if err := m.chunks.DeleteChunk(ctx, file.ID, info.Sequence); err != nil {
			return fmt.Errorf("failed to delete stale chunk %d of %s: %w", info.Sequence, file.ID, err)
		}
	}
	return nil
}

// ============================================================================
// Chunk delivery
// ============================================================================

// Receive stores chunk seq of a registered upload. Delivering the same
// sequence again overwrites it.
//
// Errors:
//   - store.ErrNotFound: no session for fileID
//   - store.ErrValidation: seq outside [0, ExpectedChunks)
//   - store.ErrIntegrity: data is not exactly the expected chunk size
//   - store.ErrConflict: the session is being registered or finalized
func (m *Manager) Receive(ctx context.Context, fileID uuid.UUID, seq uint32, data []byte) error {
	s, err := m.lookup(fileID)
	if err != nil {
		return err
	}

	if seq >= s.expectedChunks {
		return store.Errorf(store.ErrValidation, "chunk %d out of range [0, %d)", seq, s.expectedChunks)
	}
	if want := s.expectedSize(seq); int64(len(data)) != want {
		return store.Errorf(store.ErrIntegrity, "chunk %d has %d bytes, expected %d", seq, len(data), want)
	}

	lease, err := m.locks.Acquire(ctx, fileID.String(), lock.Shared, m.config.LockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(ctx) }()

	// The session may have been finalized or swept while we waited.
	current, err := m.lookup(fileID)
	if err != nil {
		return err
	}
	if current != s {
		return store.ResourceError(store.ErrNotFound, fileID.String(), "upload session replaced")
	}

	if err := m.chunks.WriteChunk(ctx, fileID, seq, data); err != nil {
		return fmt.Errorf("failed to store chunk %d of %s: %w", seq, fileID, err)
	}

	m.mu.Lock()
	s.received.set(seq)
	s.lastActivity = m.config.Now()
	m.mu.Unlock()

	m.config.Metrics.RecordChunk(len(data))
	return nil
}

// lookup returns the ready, non-finalizing session of fileID.
func (m *Manager) lookup(fileID uuid.UUID) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[fileID]
	switch {
	case !ok:
		return nil, store.ResourceError(store.ErrNotFound, fileID.String(), "no upload session")
	case !s.ready:
		return nil, store.ResourceError(store.ErrConflict, fileID.String(), "upload session is being registered")
	case s.finalizing:
		return nil, store.ResourceError(store.ErrConflict, fileID.String(), "upload is being finalized")
	}
	return s, nil
}

// Get returns a snapshot of the session of fileID.
func (m *Manager) Get(fileID uuid.UUID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[fileID]
	if !ok || !s.ready {
		return Session{}, false
	}
	return s.snapshot(), true
}

// IsComplete reports whether every chunk of the session has been received.
// False when there is no session.
func (m *Manager) IsComplete(fileID uuid.UUID) bool {
	snap, ok := m.Get(fileID)
	return ok && snap.Complete()
}

// Received returns the accepted sequences in ascending order.
func (m *Manager) Received(fileID uuid.UUID) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[fileID]
	if !ok || !s.ready {
		return nil, store.ResourceError(store.ErrNotFound, fileID.String(), "no upload session")
	}
	return s.received.members(), nil
}

// HasChunk reports whether sequence seq was accepted.
func (m *Manager) HasChunk(fileID uuid.UUID, seq uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[fileID]
	return ok && s.ready && seq < s.expectedChunks && s.received.has(seq)
}

// Abort discards the session of fileID. Stored chunks are kept. Returns
// false when there was no session to discard.
func (m *Manager) Abort(fileID uuid.UUID) bool {
	m.mu.Lock()
	s, ok := m.sessions[fileID]
	if ok && s.ready && !s.finalizing {
		delete(m.sessions, fileID)
	} else {
		ok = false
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.config.Metrics.SetActiveSessions(active)
	}
	return ok
}

// ============================================================================
// Finalize
// ============================================================================

// Finalize verifies the assembled upload and completes the document.
//
// Under the exclusive lease the chunks are streamed in order to compute the
// length and MD5. A mismatch with the declared size or digest fails with
// store.ErrIntegrity; chunks and session are kept so the client can resend
// the bad chunks and finalize again. On success length, md5 and uploadDate
// are written and the session is discarded.
func (m *Manager) Finalize(ctx context.Context, fileID uuid.UUID) (*document.File, error) {
	start := m.config.Now()

	s, err := m.beginFinalize(fileID)
	if err != nil {
		m.config.Metrics.ObserveFinalize(outcome(err), m.config.Now().Sub(start))
		return nil, err
	}

	file, err := m.finalize(ctx, s)

	m.mu.Lock()
	s.finalizing = false
	if err == nil {
		delete(m.sessions, fileID)
	} else {
		s.lastActivity = m.config.Now()
	}
	active := len(m.sessions)
	m.mu.Unlock()

	m.config.Metrics.SetActiveSessions(active)
	m.config.Metrics.ObserveFinalize(outcome(err), m.config.Now().Sub(start))
	if err != nil {
		logger.Warn("Finalize of %s failed: %v", fileID, err)
		return nil, err
	}

	logger.Info("Upload finalized: file=%s length=%d md5=%s", fileID, file.Length, file.MD5)
	return file, nil
}

func (m *Manager) beginFinalize(fileID uuid.UUID) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[fileID]
	switch {
	case !ok:
		return nil, store.ResourceError(store.ErrNotFound, fileID.String(), "no upload session")
	case !s.ready:
		return nil, store.ResourceError(store.ErrConflict, fileID.String(), "upload session is being registered")
	case s.finalizing:
		return nil, store.ResourceError(store.ErrConflict, fileID.String(), "finalize already in progress")
	}
	if got := s.received.count(); got != s.expectedChunks {
		return nil, store.ResourceError(store.ErrConflict, fileID.String(),
			fmt.Sprintf("upload incomplete: %d of %d chunks received", got, s.expectedChunks))
	}
	s.finalizing = true
	return s, nil
}

func (m *Manager) finalize(ctx context.Context, s *session) (*document.File, error) {
	lease, err := m.locks.Acquire(ctx, s.fileID.String(), lock.Exclusive, m.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(ctx) }()

	stop := lease.KeepAlive(ctx)
	defer stop()

	hash := md5.New()
	var length int64
	var count uint32

	stream := chunk.ReadStream(m.chunks, s.fileID)
	for {
		data, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		hash.Write(data)
		length += int64(len(data))
		count++
	}

	if count != s.expectedChunks {
		return nil, store.ResourceError(store.ErrIntegrity, s.fileID.String(),
			fmt.Sprintf("found %d chunks, expected %d", count, s.expectedChunks))
	}
	if length != s.totalSize {
		return nil, store.ResourceError(store.ErrIntegrity, s.fileID.String(),
			fmt.Sprintf("assembled %d bytes, expected %d", length, s.totalSize))
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if s.expectedMD5 != "" && digest != s.expectedMD5 {
		return nil, store.ResourceError(store.ErrIntegrity, s.fileID.String(),
			fmt.Sprintf("md5 mismatch: computed %s, declared %s", digest, s.expectedMD5))
	}

	uploaded := m.config.Now().UTC()
	if err := m.files.SetSystemFields(ctx, s.fileID, document.SystemFields{
		Length:     length,
		MD5:        digest,
		UploadDate: &uploaded,
		ChunkSize:  s.chunkSize,
	}); err != nil {
		return nil, err
	}
	return m.files.Get(ctx, s.fileID)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case store.IsCode(err, store.ErrIntegrity):
		return "integrity"
	case store.IsCode(err, store.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// ============================================================================
// Sweeper
// ============================================================================

// Sweep discards sessions idle since before now-SessionTimeout. Their chunks
// stay in the chunk store (a later registration resumes them; the orphan
// collector removes them if the document goes away). Returns the number of
// sessions discarded.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.config.SessionTimeout)

	m.mu.Lock()
	var dropped int
	for id, s := range m.sessions {
		if s.ready && !s.finalizing && s.lastActivity.Before(cutoff) {
			delete(m.sessions, id)
			dropped++
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if dropped > 0 {
		logger.Info("Discarded %d idle upload sessions", dropped)
		m.config.Metrics.SetActiveSessions(active)
	}
	return dropped
}

// Start runs Sweep every SweepInterval until Stop. Subsequent calls are
// no-ops.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.sweeper()
	})
}

func (m *Manager) sweeper() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(m.config.Now())
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts the sweeper and waits for it, or for ctx.
func (m *Manager) Stop(ctx context.Context) error {
	// A manager that never started has nothing to wait for.
	m.startOnce.Do(func() { close(m.doneCh) })

	first := false
	m.stopOnce.Do(func() {
		close(m.stopCh)
		first = true
	})
	if !first {
		return nil
	}

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
