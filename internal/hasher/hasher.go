// Package hasher computes content fingerprints for files under a root directory.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/metadata"
)

const copyBufferSize = 64 * 1024

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA-256 and returns the hex digest and byte count.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.CopyBuffer(h, r, make([]byte, copyBufferSize))
	if err != nil {
		return "", n, fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile fingerprints the regular file at path.
// path is either absolute or relative to root; the returned metadata carries
// the slash-separated path relative to root. The whole file is hashed.
func HashFile(fsys afero.Fs, path, root string) (*metadata.FileMetadata, error) {
	absPath := path
	if !filepath.IsAbs(path) {
		absPath = filepath.Join(root, path)
	}

	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrInvalidPath, path, err)
	}
	relPath, err := metadata.CleanPath(filepath.ToSlash(rel))
	if err != nil {
		return nil, err
	}

	info, err := fsys.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("stat %s: %w", relPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", apperrors.ErrInvalidPath, relPath)
	}

	f, err := fsys.Open(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("open %s: %w", relPath, err)
	}
	defer func() { _ = f.Close() }()

	digest, size, err := HashReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", relPath, err)
	}

	return &metadata.FileMetadata{
		Path:        relPath,
		ContentHash: digest,
		Size:        size,
		ModifiedAt:  info.ModTime().UTC(),
		Mode:        info.Mode().Perm(),
	}, nil
}
