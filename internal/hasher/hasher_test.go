package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/boxsync/internal/apperrors"
)

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	root := "/data"
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/data/a/b.txt", []byte("hello"), 0o640))

	t.Run("relative path", func(t *testing.T) {
		t.Parallel()

		md, err := HashFile(fsys, "a/b.txt", root)
		require.NoError(t, err)
		assert.Equal(t, "a/b.txt", md.Path)
		assert.Equal(t, sha([]byte("hello")), md.ContentHash)
		assert.Equal(t, int64(5), md.Size)
		assert.Equal(t, "UTC", md.ModifiedAt.Location().String())
	})

	t.Run("absolute path", func(t *testing.T) {
		t.Parallel()

		md, err := HashFile(fsys, filepath.Join(root, "a", "b.txt"), root)
		require.NoError(t, err)
		assert.Equal(t, "a/b.txt", md.Path)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := HashFile(fsys, "a/missing.txt", root)
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		t.Parallel()

		_, err := HashFile(fsys, "a", root)
		require.ErrorIs(t, err, apperrors.ErrInvalidPath)
	})

	t.Run("outside root", func(t *testing.T) {
		t.Parallel()

		_, err := HashFile(fsys, "/etc/passwd", root)
		require.ErrorIs(t, err, apperrors.ErrInvalidPath)
	})
}

func TestHashFile_WholeContent(t *testing.T) {
	t.Parallel()

	// Larger than one copy buffer, differing only in the last byte.
	data := bytes.Repeat([]byte{'x'}, 3*copyBufferSize+17)
	other := append([]byte{}, data...)
	other[len(other)-1] = 'y'

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/one", data, 0o600))
	require.NoError(t, afero.WriteFile(fsys, "/r/two", other, 0o600))

	one, err := HashFile(fsys, "one", "/r")
	require.NoError(t, err)
	two, err := HashFile(fsys, "two", "/r")
	require.NoError(t, err)

	assert.Equal(t, sha(data), one.ContentHash)
	assert.NotEqual(t, one.ContentHash, two.ContentHash)
	assert.Equal(t, int64(len(data)), one.Size)
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	t.Parallel()

	data := []byte("the same bytes")
	digest, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), digest)
	assert.Equal(t, int64(len(data)), n)
}
