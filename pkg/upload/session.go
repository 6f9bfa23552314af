package upload

import (
	"math/bits"
	"time"

	"github.com/google/uuid"
)

// Registration declares an upload before its chunks arrive.
type Registration struct {
	// FileID is the target file document (must exist)
	FileID uuid.UUID

	// TotalSize is the final length in bytes
	TotalSize int64

	// ChunkSize is the size of every chunk but the last. Zero uses the
	// chunk size recorded on the document.
	ChunkSize int64

	// MD5 is the optional client-declared digest (hex), checked on finalize
	MD5 string
}

// Session is a snapshot of an in-progress upload.
type Session struct {
	FileID         uuid.UUID
	ChunkSize      int64
	TotalSize      int64
	ExpectedChunks uint32
	ExpectedMD5    string
	ReceivedChunks uint32
	CreatedAt      time.Time
	LastActivity   time.Time
	Finalizing     bool
}

// Complete reports whether every expected chunk was received.
func (s Session) Complete() bool {
	return s.ReceivedChunks == s.ExpectedChunks
}

// session is the mutable state behind a Session; guarded by Manager.mu.
type session struct {
	fileID         uuid.UUID
	chunkSize      int64
	totalSize      int64
	expectedChunks uint32
	expectedMD5    string
	received       bitmap
	createdAt      time.Time
	lastActivity   time.Time

	ready      bool
	finalizing bool
}

func (s *session) snapshot() Session {
	return Session{
		FileID:         s.fileID,
		ChunkSize:      s.chunkSize,
		TotalSize:      s.totalSize,
		ExpectedChunks: s.expectedChunks,
		ExpectedMD5:    s.expectedMD5,
		ReceivedChunks: s.received.count(),
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		Finalizing:     s.finalizing,
	}
}

// expectedSize returns the exact byte count chunk seq must carry.
func (s *session) expectedSize(seq uint32) int64 {
	if seq+1 < s.expectedChunks {
		return s.chunkSize
	}
	return s.totalSize - int64(s.expectedChunks-1)*s.chunkSize
}

// expectedChunks returns ceil(total/chunkSize) without overflowing near
// math.MaxInt64.
func expectedChunks(total, chunkSize int64) int64 {
	n := total / chunkSize
	if total%chunkSize != 0 {
		n++
	}
	return n
}

// bitmap records received sequences.
type bitmap []uint64

func newBitmap(n uint32) bitmap {
	return make(bitmap, (int(n)+63)/64)
}

func (b bitmap) set(i uint32) bool {
	word, mask := i/64, uint64(1)<<(i%64)
	was := b[word]&mask != 0
	b[word] |= mask
	return !was
}

func (b bitmap) has(i uint32) bool {
	return b[i/64]&(uint64(1)<<(i%64)) != 0
}

func (b bitmap) count() uint32 {
	var n int
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return uint32(n)
}

func (b bitmap) members() []uint32 {
	out := make([]uint32, 0, b.count())
	for word, w := range b {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			out = append(out, uint32(word*64+bit))
			w &^= 1 << bit
		}
	}
	return out
}
