package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/boxsync/internal/apperrors"
)

// runApp runs the CLI against root and returns what it printed.
func runApp(t *testing.T, root, stdin string, args ...string) (string, error) {
	t.Helper()

	app := NewApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.Reader = strings.NewReader(stdin)

	argv := append([]string{"boxsync", "--root", root}, args...)
	err := app.Run(context.Background(), argv)
	return out.String(), err
}

func TestPutGetStat(t *testing.T) {
	root := t.TempDir()

	out, err := runApp(t, root, "hello box", "put", "docs/a.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "Path:     docs/a.txt")
	assert.Contains(t, out, "Size:     9 bytes")

	data, err := os.ReadFile(filepath.Join(root, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello box", string(data))

	out, err = runApp(t, root, "", "get", "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello box", out)

	out, err = runApp(t, root, "", "stat", "docs/a.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "Hash:")

	out, err = runApp(t, root, "", "ls", "--long")
	require.NoError(t, err)
	assert.Contains(t, out, "docs/a.txt")
}

func TestPutFromFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("from disk"), 0o600))

	_, err := runApp(t, root, "", "put", "b.txt", src)
	require.NoError(t, err)

	out, err := runApp(t, root, "", "get", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "from disk", out)
}

func TestGetMissing(t *testing.T) {
	_, err := runApp(t, t.TempDir(), "", "get", "nope.txt")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPathRequired(t *testing.T) {
	_, err := runApp(t, t.TempDir(), "", "stat")
	require.ErrorIs(t, err, apperrors.ErrPathRequired)
}

func TestRemove(t *testing.T) {
	root := t.TempDir()

	_, err := runApp(t, root, "bye", "put", "c.txt")
	require.NoError(t, err)

	_, err = runApp(t, root, "", "rm", "c.txt")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "c.txt"))
	assert.True(t, os.IsNotExist(err))

	out, err := runApp(t, root, "", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No files")
}

func TestScanAndVerify(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "x.txt"), []byte("x"), 0o600))

	out, err := runApp(t, root, "", "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "+ x.txt")

	out, err = runApp(t, root, "", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "All 1 files match the index")

	require.NoError(t, os.WriteFile(filepath.Join(root, "x.txt"), []byte("tampered"), 0o600))

	out, err = runApp(t, root, "", "verify")
	require.ErrorIs(t, err, apperrors.ErrCorrupted)
	assert.Contains(t, out, "corrupt: x.txt")
}

func TestGarbageCollect(t *testing.T) {
	root := t.TempDir()
	orphan := filepath.Join(root, ".boxsync-tmp-stale")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	out, err := runApp(t, root, "", "gc", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would be removed")
	assert.FileExists(t, orphan)

	_, err = runApp(t, root, "", "gc")
	require.NoError(t, err)
	assert.NoFileExists(t, orphan)
}

func TestGarbageCollectKeepsNewFiles(t *testing.T) {
	root := t.TempDir()
	notes := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("unsynced work"), 0o600))

	out, err := runApp(t, root, "", "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "No orphan files")
	assert.FileExists(t, notes)

	_, err = runApp(t, root, "", "gc", "--orphans")
	require.NoError(t, err)
	assert.NoFileExists(t, notes)
}

func TestDiffAndSync(t *testing.T) {
	root := t.TempDir()
	remote := t.TempDir()
	t.Setenv("BOX_REMOTE_DIR", remote)

	_, err := runApp(t, root, "payload", "put", "report.txt")
	require.NoError(t, err)

	out, err := runApp(t, root, "", "diff")
	require.NoError(t, err)
	assert.Contains(t, out, "upload")
	assert.Contains(t, out, "report.txt")

	out, err = runApp(t, root, "", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded:       1")

	data, err := os.ReadFile(filepath.Join(remote, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	out, err = runApp(t, root, "", "diff")
	require.NoError(t, err)
	assert.Contains(t, out, "Everything in sync")
}

func TestSyncWithoutRemote(t *testing.T) {
	t.Setenv("BOX_REMOTE_DIR", "")

	_, err := runApp(t, t.TempDir(), "", "sync")
	require.ErrorIs(t, err, apperrors.ErrRemoteNotConfigured)
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("BOX_CONFLICT", "coinflip")

	_, err := runApp(t, t.TempDir(), "", "ls")
	require.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestFormatTimeSince(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-time.Minute - time.Second), "1 minute ago"},
		{now.Add(-5 * time.Minute), "5 minutes ago"},
		{now.Add(-3 * time.Hour), "3 hours ago"},
		{now.Add(-2 * hoursPerDay * time.Hour), "2 days ago"},
		{now.Add(-2 * daysPerWeek * hoursPerDay * time.Hour), "2 weeks ago"},
		{now.Add(-3 * daysPerMonth * hoursPerDay * time.Hour), "3 months ago"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatTimeSince(tt.t))
	}
}
