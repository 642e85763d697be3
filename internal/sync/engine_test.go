package sync

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/metadata"
	"github.com/fclairamb/boxsync/internal/metadata/sqlite"
	"github.com/fclairamb/boxsync/internal/reconcile"
	"github.com/fclairamb/boxsync/internal/replica"
	"github.com/fclairamb/boxsync/internal/store"
)

const (
	clientRoot = "/client"
	serverRoot = "/server"
)

type testEnv struct {
	clientFs afero.Fs
	client   *store.FileStore
	server   *store.FileStore
	base     metadata.Store
}

func openMeta(t *testing.T) metadata.Store {
	t.Helper()

	meta, err := sqlite.Open(sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return meta
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clientFs := afero.NewMemMapFs()
	require.NoError(t, clientFs.MkdirAll(clientRoot, 0o750))
	serverFs := afero.NewMemMapFs()
	require.NoError(t, serverFs.MkdirAll(serverRoot, 0o750))

	return &testEnv{
		clientFs: clientFs,
		client:   store.New(clientFs, clientRoot, openMeta(t)),
		server:   store.New(serverFs, serverRoot, openMeta(t)),
		base:     openMeta(t),
	}
}

func (e *testEnv) engine(opts ...EngineOption) *Engine {
	return NewEngine(e.client, replica.FromStore(e.server), e.base, opts...)
}

func put(t *testing.T, s *store.FileStore, p, content string) {
	t.Helper()

	_, err := s.Put(context.Background(), p, []byte(content))
	require.NoError(t, err)
}

func read(t *testing.T, s *store.FileStore, p string) string {
	t.Helper()

	file, err := s.Get(context.Background(), p)
	require.NoError(t, err)
	return string(file.Data)
}

func exists(t *testing.T, s *store.FileStore, p string) bool {
	t.Helper()

	ok, err := s.Exists(context.Background(), p)
	require.NoError(t, err)
	return ok
}

func TestRunInitialSync(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	put(t, env.client, "a.txt", "from client")
	put(t, env.client, "shared.txt", "same")
	put(t, env.server, "shared.txt", "same")
	put(t, env.server, "docs/c.txt", "from server")

	res, err := env.engine().Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.Failed())

	assert.Equal(t, "from client", read(t, env.server, "a.txt"))
	assert.Equal(t, "from server", read(t, env.client, "docs/c.txt"))

	base, err := env.base.ListMetadata(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, base, 3)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	put(t, env.client, "a.txt", "a")
	put(t, env.server, "b.txt", "b")
	engine := env.engine()

	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	res, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Transferred())
	assert.Equal(t, 2, res.Unchanged)
}

func TestRunPropagatesDeletes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	put(t, env.client, "local-gone.txt", "1")
	put(t, env.client, "remote-gone.txt", "2")
	engine := env.engine()

	_, err := engine.Run(ctx)
	require.NoError(t, err)
	require.True(t, exists(t, env.server, "local-gone.txt"))

	require.NoError(t, env.client.Delete(ctx, "local-gone.txt"))
	require.NoError(t, env.server.Delete(ctx, "remote-gone.txt"))

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedRemote)
	assert.Equal(t, 1, res.DeletedLocal)
	assert.False(t, exists(t, env.server, "local-gone.txt"))
	assert.False(t, exists(t, env.client, "remote-gone.txt"))

	base, err := env.base.ListMetadata(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, base)
}

func TestRunConflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resolver reconcile.ConflictResolver
		want     string
	}{
		{name: "remote wins", resolver: reconcile.PreferRemote, want: "remote edit"},
		{name: "local wins", resolver: reconcile.PreferLocal, want: "local edit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			ctx := context.Background()
			put(t, env.client, "b.txt", "original")
			engine := env.engine(WithResolver(tt.resolver))

			_, err := engine.Run(ctx)
			require.NoError(t, err)

			put(t, env.client, "b.txt", "local edit")
			put(t, env.server, "b.txt", "remote edit")

			res, err := engine.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Conflicts)
			assert.Equal(t, tt.want, read(t, env.client, "b.txt"))
			assert.Equal(t, tt.want, read(t, env.server, "b.txt"))

			again, err := engine.Run(ctx)
			require.NoError(t, err)
			assert.Zero(t, again.Conflicts)
			assert.Zero(t, again.Transferred())
		})
	}
}

func TestRunMaxFileSize(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	put(t, env.client, "big.bin", "0123456789")
	put(t, env.client, "small.txt", "ok")

	res, err := env.engine(WithMaxFileSize(5)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "big.bin", res.Failures[0].Path)
	assert.Equal(t, reconcile.Upload, res.Failures[0].Action)
	require.ErrorIs(t, res.Failures[0].Err, apperrors.ErrFileTooLarge)
	assert.False(t, exists(t, env.server, "big.bin"))

	_, err = env.base.GetMetadata(context.Background(), "big.bin")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRunRateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	put(t, env.client, "a.txt", "a")
	put(t, env.client, "b.txt", "b")

	// A zero burst makes every Wait fail.
	limiter := rate.NewLimiter(rate.Limit(1), 0)

	res, err := env.engine(WithLimiter(limiter)).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded)
	require.Len(t, res.Failures, 2)
	assert.Contains(t, res.Failures[0].Err.Error(), "rate limiter")
}

func TestRunMissingRoot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, env.clientFs.RemoveAll(clientRoot))

	_, err := env.engine().Run(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSyncEnvironment)

	_, err = env.engine().DryRun(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSyncEnvironment)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	put(t, env.client, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine().Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, exists(t, env.server, "a.txt"))
}

// tamperingReplica returns bytes that do not match the listed hash.
type tamperingReplica struct {
	replica.Replica
}

func (r tamperingReplica) Read(context.Context, string) ([]byte, error) {
	return []byte("tampered"), nil
}

func TestRunRejectsCorruptDownload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	put(t, env.server, "c.txt", "genuine")

	engine := NewEngine(env.client, tamperingReplica{replica.FromStore(env.server)}, env.base)
	res, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.ErrorIs(t, res.Failures[0].Err, apperrors.ErrCorrupted)
	assert.False(t, exists(t, env.client, "c.txt"))
}

func TestRunSkipsIgnoredPaths(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	put(t, env.server, "notes.txt.swp", "editor state")
	put(t, env.server, "notes.txt", "notes")

	res, err := env.engine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.False(t, exists(t, env.client, "notes.txt.swp"))
}

func TestRunRescan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, afero.WriteFile(env.clientFs, clientRoot+"/dropped.txt", []byte("dropped in"), 0o600))

	res, err := env.engine().Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded, "files not indexed yet are invisible without a rescan")

	res, err = env.engine(WithRescan(true)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, "dropped in", read(t, env.server, "dropped.txt"))
}

func TestDryRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	put(t, env.client, "a.txt", "a")
	put(t, env.server, "b.txt", "b")

	plan, err := env.engine().DryRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, plan.Paths(reconcile.Download))
	assert.Equal(t, []string{"a.txt"}, plan.Paths(reconcile.Upload))

	assert.False(t, exists(t, env.server, "a.txt"))
	assert.False(t, exists(t, env.client, "b.txt"))
}

func TestSyncPaths(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	put(t, env.client, "kept.txt", "kept")
	put(t, env.client, "removed.txt", "removed")
	engine := env.engine()

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(env.clientFs, clientRoot+"/new.txt", []byte("new"), 0o600))
	require.NoError(t, env.clientFs.Remove(clientRoot+"/removed.txt"))
	put(t, env.server, "untouched.txt", "not in this batch")

	res, err := engine.SyncPaths(ctx, []string{"new.txt", "removed.txt", ".boxsync/metadata.db", "../escape"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.DeletedRemote)

	assert.Equal(t, "new", read(t, env.server, "new.txt"))
	assert.False(t, exists(t, env.server, "removed.txt"))
	assert.False(t, exists(t, env.client, "untouched.txt"))
	assert.True(t, exists(t, env.server, "kept.txt"))
}
