package collection

import (
	"context"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/auth"
	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/document"
	"github.com/marmos91/filecollection/pkg/upload"
)

// UploadChunk delivers chunk seq of a resumable upload on behalf of id.
//
// The first chunk registers the session from reg; later chunks must
// declare the same total and chunk size (store.ErrConflict otherwise). The
// chunk that completes the upload also finalizes it, in which case the
// complete document is returned. Otherwise the returned document is nil.
func (c *Collection) UploadChunk(ctx context.Context, id auth.Identity, reg upload.Registration, seq uint32, data []byte) (*document.File, error) {
	file, err := c.files.Get(ctx, reg.FileID)
	if err != nil {
		return nil, err
	}

	change := &auth.Change{Length: reg.TotalSize, MD5: reg.MD5}
	if err := c.gate.Check(auth.OpUpdate, auth.Request{Identity: id, Document: file, Change: change}); err != nil {
		return nil, err
	}

	if err := c.ensureSession(ctx, reg); err != nil {
		return nil, err
	}

	if err := c.uploads.Receive(ctx, reg.FileID, seq, data); err != nil {
		return nil, err
	}
	if !c.uploads.IsComplete(reg.FileID) {
		return nil, nil
	}

	done, err := c.uploads.Finalize(ctx, reg.FileID)
	if store.IsCode(err, store.ErrConflict) || store.IsCode(err, store.ErrNotFound) {
		// A concurrent final chunk got there first.
		logger.Debug("Finalize of %s already handled by another request", reg.FileID)
		return nil, nil
	}
	return done, err
}

func (c *Collection) ensureSession(ctx context.Context, reg upload.Registration) error {
	sess, ok := c.uploads.Get(reg.FileID)
	if !ok {
		_, err := c.uploads.Register(ctx, reg)
		if err == nil || !store.IsCode(err, store.ErrConflict) {
			return err
		}
		// Lost a registration race; use the winner's session.
		if sess, ok = c.uploads.Get(reg.FileID); !ok {
			return err
		}
	}

	chunkSize := reg.ChunkSize
	if chunkSize == 0 {
		chunkSize = sess.ChunkSize
	}
	if sess.TotalSize != reg.TotalSize || sess.ChunkSize != chunkSize {
		return store.ResourceError(store.ErrConflict, reg.FileID.String(),
			"upload session was registered with a different size")
	}
	return nil
}
