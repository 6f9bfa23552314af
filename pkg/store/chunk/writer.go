package chunk

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("chunk writer closed")

// Writer splits a byte stream into fixed-size chunks and stores them in
// sequence order starting at sequence 0.
//
// Writes are synchronous: a full chunk is persisted before Write returns, so
// a slow store applies backpressure to the producer and at most one chunk is
// held in memory.
type Writer struct {
	ctx       context.Context
	store     Store
	fileID    uuid.UUID
	chunkSize int

	buf    []byte
	seq    uint32
	total  int64
	closed bool
}

// NewWriter returns a Writer storing chunks of chunkSize bytes for fileID.
func NewWriter(ctx context.Context, s Store, fileID uuid.UUID, chunkSize int) (*Writer, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	return &Writer{
		ctx:       ctx,
		store:     s,
		fileID:    fileID,
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
	}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}

	written := 0
	for len(p) > 0 {
		room := w.chunkSize - len(w.buf)
		n := min(room, len(p))
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		written += n

		if len(w.buf) == w.chunkSize {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close stores the trailing partial chunk, if any.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.buf) == 0 {
		return nil
	}
	return w.flush()
}

// Chunks returns the number of chunks stored so far.
func (w *Writer) Chunks() uint32 {
	return w.seq
}

// Length returns the number of bytes stored so far.
func (w *Writer) Length() int64 {
	return w.total
}

func (w *Writer) flush() error {
	if err := w.store.WriteChunk(w.ctx, w.fileID, w.seq, w.buf); err != nil {
		return fmt.Errorf("failed to write chunk %d of %s: %w", w.seq, w.fileID, err)
	}
	w.total += int64(len(w.buf))
	w.seq++
	w.buf = w.buf[:0]
	return nil
}
