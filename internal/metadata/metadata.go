// Package metadata defines the file metadata index and its storage contract.
package metadata

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/fclairamb/boxsync/internal/apperrors"
)

// FileMetadata is the indexed state of one file, keyed by its relative path.
type FileMetadata struct {
	Path        string      `json:"path"`
	ContentHash string      `json:"content_hash"`
	Size        int64       `json:"size"`
	ModifiedAt  time.Time   `json:"modified_at"`
	Mode        os.FileMode `json:"mode"`
}

// SameContent reports whether both sides describe the same content.
// Two nil values are equal; a nil and a non-nil value are not.
func (m *FileMetadata) SameContent(other *FileMetadata) bool {
	if m == nil || other == nil {
		return m == nil && other == nil
	}
	return m.ContentHash == other.ContentHash
}

// Clone returns a copy of the metadata.
func (m *FileMetadata) Clone() *FileMetadata {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Querier reads and writes metadata rows.
type Querier interface {
	// GetMetadata returns the row for path, or apperrors.ErrNotFound.
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)
	// ListMetadata returns rows whose path starts with prefix, sorted by path.
	// An empty prefix lists everything. No match is an empty result, not an error.
	ListMetadata(ctx context.Context, prefix string) ([]*FileMetadata, error)
	// SaveMetadata inserts the row or overwrites the existing row for the same path.
	SaveMetadata(ctx context.Context, md *FileMetadata) error
	// DeleteMetadata removes the row for path. Removing a missing row is a no-op.
	DeleteMetadata(ctx context.Context, path string) error
}

// Store is a durable metadata index.
//
// WithTx runs fn inside one transaction that holds the write lock from its
// first statement on. The transaction commits when fn returns nil and rolls
// back otherwise. Calls made directly on the Store run in their own transaction.
type Store interface {
	Querier
	WithTx(ctx context.Context, fn func(tx Querier) error) error
	Close() error
}

// Index turns a list of rows into a map keyed by path.
func Index(rows []*FileMetadata) map[string]*FileMetadata {
	idx := make(map[string]*FileMetadata, len(rows))
	for _, r := range rows {
		idx[r.Path] = r
	}
	return idx
}

// CleanPath normalizes a relative POSIX path used as an index key.
// Empty, absolute and escaping paths are rejected with apperrors.ErrInvalidPath.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidPath, p)
	}
	return cleaned, nil
}
