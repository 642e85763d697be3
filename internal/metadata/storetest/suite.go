// Package storetest holds behavior tests shared by every metadata.Store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/metadata"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) metadata.Store

// Row builds a metadata row for tests.
func Row(path, hash string) *metadata.FileMetadata {
	return &metadata.FileMetadata{
		Path:        path,
		ContentHash: hash,
		Size:        int64(len(hash)),
		ModifiedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Mode:        0o644,
	}
}

func paths(rows []*metadata.FileMetadata) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Path)
	}
	return out
}

// Run exercises the metadata.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	open := func(t *testing.T) metadata.Store {
		t.Helper()
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("get missing", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		_, err := s.GetMetadata(context.Background(), "nope.txt")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("save then get", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		ctx := context.Background()

		want := Row("dir/a.txt", "h1")
		require.NoError(t, s.SaveMetadata(ctx, want))

		got, err := s.GetMetadata(ctx, "dir/a.txt")
		require.NoError(t, err)
		assert.Equal(t, want.Path, got.Path)
		assert.Equal(t, want.ContentHash, got.ContentHash)
		assert.Equal(t, want.Size, got.Size)
		assert.Equal(t, want.Mode, got.Mode)
		assert.True(t, want.ModifiedAt.Equal(got.ModifiedAt))
	})

	t.Run("save overwrites", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveMetadata(ctx, Row("a.txt", "h1")))
		require.NoError(t, s.SaveMetadata(ctx, Row("a.txt", "h2")))

		got, err := s.GetMetadata(ctx, "a.txt")
		require.NoError(t, err)
		assert.Equal(t, "h2", got.ContentHash)

		all, err := s.ListMetadata(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("save rejects empty path", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		err := s.SaveMetadata(context.Background(), Row("", "h"))
		require.ErrorIs(t, err, apperrors.ErrInvalidPath)
	})

	t.Run("list by prefix", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		ctx := context.Background()

		for _, p := range []string{"docs/b.md", "docs/a.md", "Docs/upper.md", "img/x.png", "docsx.txt"} {
			require.NoError(t, s.SaveMetadata(ctx, Row(p, "h-"+p)))
		}

		docs, err := s.ListMetadata(ctx, "docs/")
		require.NoError(t, err)
		assert.Equal(t, []string{"docs/a.md", "docs/b.md"}, paths(docs))

		all, err := s.ListMetadata(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"Docs/upper.md", "docs/a.md", "docs/b.md", "docsx.txt", "img/x.png"}, paths(all))
	})

	t.Run("list with no match", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveMetadata(ctx, Row("a.txt", "h")))

		rows, err := s.ListMetadata(ctx, "zzz/")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveMetadata(ctx, Row("a.txt", "h")))
		require.NoError(t, s.DeleteMetadata(ctx, "a.txt"))
		require.NoError(t, s.DeleteMetadata(ctx, "a.txt"))
		require.NoError(t, s.DeleteMetadata(ctx, "never-existed"))

		_, err := s.GetMetadata(ctx, "a.txt")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("transaction commits", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		ctx := context.Background()

		err := s.WithTx(ctx, func(tx metadata.Querier) error {
			if err := tx.SaveMetadata(ctx, Row("a.txt", "h1")); err != nil {
				return err
			}
			got, err := tx.GetMetadata(ctx, "a.txt")
			if err != nil {
				return err
			}
			assert.Equal(t, "h1", got.ContentHash)
			return tx.SaveMetadata(ctx, Row("b.txt", "h2"))
		})
		require.NoError(t, err)

		rows, err := s.ListMetadata(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "b.txt"}, paths(rows))
	})

	t.Run("transaction rolls back", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveMetadata(ctx, Row("keep.txt", "old")))

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx metadata.Querier) error {
			if err := tx.SaveMetadata(ctx, Row("keep.txt", "new")); err != nil {
				return err
			}
			if err := tx.SaveMetadata(ctx, Row("gone.txt", "h")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetMetadata(ctx, "keep.txt")
		require.NoError(t, err)
		assert.Equal(t, "old", got.ContentHash)

		_, err = s.GetMetadata(ctx, "gone.txt")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		t.Parallel()
		s := open(t)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.WithTx(ctx, func(tx metadata.Querier) error {
					return tx.SaveMetadata(ctx, Row("shared.txt", string(rune('a'+i))))
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		rows, err := s.ListMetadata(ctx, "")
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := s.WithTx(ctx, func(metadata.Querier) error { return nil })
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed store", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.GetMetadata(context.Background(), "a.txt")
		require.ErrorIs(t, err, apperrors.ErrStoreClosed)
		err = s.SaveMetadata(context.Background(), Row("a.txt", "h"))
		require.ErrorIs(t, err, apperrors.ErrStoreClosed)
	})
}
