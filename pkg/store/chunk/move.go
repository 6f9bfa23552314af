package chunk

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Move transfers every chunk of from to to, keeping sequence numbers, then
// deletes the chunks of from. One chunk is held in memory at a time.
//
// Chunks already stored under to are not removed first; callers clear the
// destination when they need an exact copy.
func Move(ctx context.Context, s Store, from, to uuid.UUID) error {
	infos, err := s.List(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to list chunks of %s: %w", from, err)
	}

	for _, info := range infos {
		data, err := s.ReadChunk(ctx, from, info.Sequence)
		if err != nil {
			return fmt.Errorf("failed to read chunk %d of %s: %w", info.Sequence, from, err)
		}
		if err := s.WriteChunk(ctx, to, info.Sequence, data); err != nil {
			return fmt.Errorf("failed to write chunk %d of %s: %w", info.Sequence, to, err)
		}
	}

	if err := s.DeleteAll(ctx, from); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", from, err)
	}
	return nil
}
