package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/boxsync/internal/apperrors"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFrom(nil)
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.Root)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, RemoteDir, cfg.Remote)
	assert.Equal(t, "remote", cfg.Conflict)
	assert.Equal(t, ByteSize(10*bytesPerMB), cfg.MaxFileSize)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.WatchDelay)
	assert.True(t, cfg.VerifyOnRead)
	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, filepath.Join(".boxsync", "metadata.db"), cfg.MetadataPath())
	assert.Equal(t, filepath.Join(".boxsync", "state.db"), cfg.StatePath())
}

func TestLoadFromEnv(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFrom([]string{
		"BOX_ROOT=/data/box",
		"BOX_DB_PATH=/var/lib/box/index",
		"BOX_BACKEND=Badger",
		"BOX_REMOTE=s3",
		"BOX_S3_BUCKET=backups",
		"BOX_S3_REGION=eu-west-1",
		"BOX_S3_ENDPOINT=http://localhost:9000",
		"BOX_S3_PATH_STYLE=true",
		"BOX_CONFLICT=newest",
		"BOX_MAX_FILE_SIZE=2MB",
		"BOX_RATE_LIMIT=2.5",
		"BOX_RATE_BURST=4",
		"BOX_SYNC_INTERVAL=1m",
		"BOX_WATCH_DELAY=2s",
		"BOX_VERIFY_ON_READ=false",
		"BOX_PRIORITY_PATTERNS=*.perm, acl/*,",
		"BOX_LOG_FORMAT=json",
		"BOX_METRICS_ADDR=localhost:9090",
		"OTHER_ROOT=/ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, "/data/box", cfg.Root)
	assert.Equal(t, BackendBadger, cfg.Backend)
	assert.Equal(t, RemoteS3, cfg.Remote)
	assert.Equal(t, "backups", cfg.S3Bucket)
	assert.True(t, cfg.S3PathStyle)
	assert.Equal(t, "newest", cfg.Conflict)
	assert.Equal(t, ByteSize(2*bytesPerMB), cfg.MaxFileSize)
	assert.InDelta(t, 2.5, cfg.RateLimit, 0.001)
	assert.Equal(t, 4, cfg.RateBurst)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, 2*time.Second, cfg.WatchDelay)
	assert.False(t, cfg.VerifyOnRead)
	assert.Equal(t, []string{"*.perm", "acl/*"}, cfg.Priorities())
	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, "localhost:9090", cfg.MetricsAddr)
	assert.Equal(t, "/var/lib/box/index", cfg.MetadataPath())
	assert.Equal(t, "/var/lib/box/state.db", cfg.StatePath())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  string
	}{
		{"unknown backend", "BOX_BACKEND=postgres"},
		{"unknown remote", "BOX_REMOTE=ftp"},
		{"unknown conflict policy", "BOX_CONFLICT=coinflip"},
		{"unknown log format", "BOX_LOG_FORMAT=xml"},
		{"zero burst", "BOX_RATE_BURST=0"},
		{"negative rate", "BOX_RATE_LIMIT=-1"},
		{"bad endpoint", "BOX_S3_ENDPOINT=not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadFrom([]string{tt.env})
			require.ErrorIs(t, err, apperrors.ErrInvalidConfig)
		})
	}
}

func TestLoadRejectsBadSize(t *testing.T) {
	t.Parallel()

	_, err := LoadFrom([]string{"BOX_MAX_FILE_SIZE=lots"})
	require.Error(t, err)
}

func TestValidateCustomRules(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Root = "/data/box"
	cfg.RemoteDir = "/data/box/"
	require.ErrorIs(t, Validate(&cfg), apperrors.ErrInvalidConfig)

	cfg.RemoteDir = "/data/server"
	require.NoError(t, Validate(&cfg))

	cfg.Remote = RemoteS3
	cfg.S3Endpoint = "http://minio:9000"
	require.ErrorIs(t, Validate(&cfg), apperrors.ErrInvalidConfig)

	cfg.S3Region = "us-east-1"
	require.NoError(t, Validate(&cfg))
}

func TestParseByteSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "512", want: 512},
		{in: "10B", want: 10},
		{in: "64kb", want: 64 * bytesPerKB},
		{in: "1.5MB", want: bytesPerMB + bytesPerMB/2},
		{in: " 2 GB ", want: 2 * bytesPerGB},
		{in: "", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "MB", wantErr: true},
		{in: "10TB", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestByteSizeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "10MB", ByteSize(10*bytesPerMB).String())
	assert.Equal(t, "3KB", ByteSize(3*bytesPerKB).String())
	assert.Equal(t, "1000B", ByteSize(1000).String())
	assert.Equal(t, "0B", ByteSize(0).String())
}
