package replica

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/metadata/sqlite"
	"github.com/fclairamb/boxsync/internal/store"
)

func TestFromStore(t *testing.T) {
	t.Parallel()

	meta, err := sqlite.Open(sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	fs := store.New(afero.NewMemMapFs(), "/server", meta)
	r := FromStore(fs)
	ctx := context.Background()

	md, err := r.Write(ctx, "a/b.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", md.Path)

	data, err := r.Read(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	rows, err := r.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, md.ContentHash, rows[0].ContentHash)

	require.NoError(t, r.Delete(ctx, "a/b.txt"))
	_, err = r.Read(ctx, "a/b.txt")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, r.Close())
	// The store stays usable after the replica is closed.
	_, err = fs.Put(ctx, "c.txt", []byte("c"))
	require.NoError(t, err)
}
