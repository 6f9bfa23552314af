package chunk_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/store/chunk"
	"github.com/marmos91/filecollection/pkg/store/chunk/memory"
)

func TestMove(t *testing.T) {
	ctx := context.Background()
	s := memory.NewMemoryChunkStore()
	from, to := uuid.New(), uuid.New()

	require.NoError(t, s.WriteChunk(ctx, from, 0, []byte("abcd")))
	require.NoError(t, s.WriteChunk(ctx, from, 1, []byte("ef")))

	require.NoError(t, chunk.Move(ctx, s, from, to))

	infos, err := s.List(ctx, from)
	require.NoError(t, err)
	assert.Empty(t, infos)

	infos, err = s.List(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, []chunk.Info{{Sequence: 0, Size: 4}, {Sequence: 1, Size: 2}}, infos)

	data, err := s.ReadChunk(ctx, to, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("ef"), data)
}

func TestMove_EmptySource(t *testing.T) {
	ctx := context.Background()
	s := memory.NewMemoryChunkStore()
	to := uuid.New()
	require.NoError(t, s.WriteChunk(ctx, to, 0, []byte("kept")))

	require.NoError(t, chunk.Move(ctx, s, uuid.New(), to))

	data, err := s.ReadChunk(ctx, to, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), data)
}
