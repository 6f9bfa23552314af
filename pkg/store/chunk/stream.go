package chunk

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/marmos91/filecollection/pkg/store"
)

// Stream is a lazy, ordered, restartable sequence of a file's chunks.
//
// The chunk listing is taken on the first call to Next (and again after
// Reset); payloads are read one chunk per Next call. A hole in the sequence
// numbers surfaces as a store.ErrIntegrity error at the position of the hole.
//
// A Stream is not safe for concurrent use.
type Stream struct {
	store  Store
	fileID uuid.UUID

	infos  []Info
	pos    int
	listed bool
}

// ReadStream returns a stream over the chunks of fileID in sequence order.
func ReadStream(s Store, fileID uuid.UUID) *Stream {
	return &Stream{store: s, fileID: fileID}
}

// Next returns the next chunk payload, or io.EOF after the last chunk.
func (st *Stream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !st.listed {
		infos, err := st.store.List(ctx, st.fileID)
		if err != nil {
			return nil, fmt.Errorf("failed to list chunks of %s: %w", st.fileID, err)
		}
		st.infos = infos
		st.listed = true
	}

	if st.pos >= len(st.infos) {
		return nil, io.EOF
	}

	info := st.infos[st.pos]
	if info.Sequence != uint32(st.pos) {
		return nil, store.ResourceError(store.ErrIntegrity, st.fileID.String(),
			fmt.Sprintf("chunk sequence gap: expected %d, found %d", st.pos, info.Sequence))
	}

	data, err := st.store.ReadChunk(ctx, st.fileID, info.Sequence)
	if err != nil {
		if store.IsCode(err, store.ErrNotFound) {
			// Deleted between listing and read: same observable effect as a gap.
			return nil, store.ResourceError(store.ErrIntegrity, st.fileID.String(),
				fmt.Sprintf("chunk %d vanished during read", info.Sequence))
		}
		return nil, err
	}

	st.pos++
	return data, nil
}

// Count returns the number of chunks the stream will yield. It forces the
// listing if it has not been taken yet.
func (st *Stream) Count(ctx context.Context) (int, error) {
	if !st.listed {
		infos, err := st.store.List(ctx, st.fileID)
		if err != nil {
			return 0, err
		}
		st.infos = infos
		st.listed = true
	}
	return len(st.infos), nil
}

// Reset rewinds the stream; the next call to Next lists the chunks again.
func (st *Stream) Reset() {
	st.infos = nil
	st.pos = 0
	st.listed = false
}

// Reader adapts a Stream to io.Reader. At most one chunk is buffered.
type Reader struct {
	ctx    context.Context
	stream *Stream
	buf    []byte
	err    error
}

// NewReader returns an io.Reader over the ordered content of fileID.
func NewReader(ctx context.Context, s Store, fileID uuid.UUID) *Reader {
	return &Reader{ctx: ctx, stream: ReadStream(s, fileID)}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		data, err := r.stream.Next(r.ctx)
		if err != nil {
			r.err = err
			return 0, err
		}
		r.buf = data
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
