// Package replica defines the remote side of a sync and adapts a file store to it.
package replica

import (
	"context"

	"github.com/fclairamb/boxsync/internal/metadata"
	"github.com/fclairamb/boxsync/internal/store"
)

// Replica is a copy of the tree that a sync converges with.
type Replica interface {
	// List returns the metadata of every file whose path starts with prefix.
	List(ctx context.Context, prefix string) ([]*metadata.FileMetadata, error)
	// Read returns the bytes of path, or apperrors.ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write stores data at path and returns the resulting metadata.
	Write(ctx context.Context, path string, data []byte) (*metadata.FileMetadata, error)
	// Delete removes path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error
	// Close releases resources held by the replica.
	Close() error
}

// storeReplica serves a file store as a replica.
type storeReplica struct {
	fs *store.FileStore
}

// FromStore wraps fs as a replica. Closing the replica does not close fs.
func FromStore(fs *store.FileStore) Replica {
	return &storeReplica{fs: fs}
}

func (r *storeReplica) List(ctx context.Context, prefix string) ([]*metadata.FileMetadata, error) {
	return r.fs.List(ctx, prefix)
}

func (r *storeReplica) Read(ctx context.Context, path string) ([]byte, error) {
	file, err := r.fs.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return file.Data, nil
}

func (r *storeReplica) Write(ctx context.Context, path string, data []byte) (*metadata.FileMetadata, error) {
	return r.fs.Put(ctx, path, data)
}

func (r *storeReplica) Delete(ctx context.Context, path string) error {
	return r.fs.Delete(ctx, path)
}

func (r *storeReplica) Close() error {
	return nil
}
