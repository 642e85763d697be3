package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/config"
	"github.com/fclairamb/boxsync/internal/ignore"
	"github.com/fclairamb/boxsync/internal/metadata"
	"github.com/fclairamb/boxsync/internal/metadata/badger"
	"github.com/fclairamb/boxsync/internal/metadata/sqlite"
	"github.com/fclairamb/boxsync/internal/reconcile"
	"github.com/fclairamb/boxsync/internal/replica"
	s3replica "github.com/fclairamb/boxsync/internal/replica/s3"
	"github.com/fclairamb/boxsync/internal/store"
	"github.com/fclairamb/boxsync/internal/sync"
)

// resources tracks what a command opened so it can be closed in reverse order.
type resources struct {
	closers []func() error
}

func (r *resources) add(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close releases everything, newest first.
func (r *resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// openMetadata opens the configured metadata backend at path.
func openMetadata(backend, path string, logger *slog.Logger) (metadata.Store, error) {
	switch backend {
	case config.BackendSQLite:
		st, err := sqlite.Open(path, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.BackendBadger:
		st, err := badger.Open(badger.Config{Dir: path}, badger.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownBackend, backend)
	}
}

// openLocal opens the file store of the configured root.
func (a *application) openLocal(res *resources) (*store.FileStore, error) {
	fsys := afero.NewOsFs()

	matcher, err := ignore.Load(fsys, a.cfg.Root)
	if err != nil {
		return nil, err
	}

	meta, err := openMetadata(a.cfg.Backend, a.cfg.MetadataPath(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	res.add(meta.Close)

	return store.New(fsys, a.cfg.Root, meta,
		store.WithLogger(a.logger),
		store.WithMetrics(a.metrics),
		store.WithIgnore(matcher),
		store.WithVerifyOnRead(a.cfg.VerifyOnRead),
	), nil
}

// openRemote opens the configured replica.
func (a *application) openRemote(ctx context.Context, res *resources) (replica.Replica, error) {
	switch a.cfg.Remote {
	case config.RemoteDir:
		if a.cfg.RemoteDir == "" {
			return nil, apperrors.ErrRemoteNotConfigured
		}
		meta, err := openMetadata(a.cfg.Backend, remoteMetadataPath(a.cfg), a.logger)
		if err != nil {
			return nil, fmt.Errorf("open remote metadata: %w", err)
		}
		res.add(meta.Close)

		remote := store.New(afero.NewOsFs(), a.cfg.RemoteDir, meta,
			store.WithLogger(a.logger.With("side", "remote")),
			store.WithVerifyOnRead(a.cfg.VerifyOnRead),
		)
		return replica.FromStore(remote), nil

	case config.RemoteS3:
		r, err := s3replica.NewFromConfig(ctx, s3replica.Config{
			Bucket:         a.cfg.S3Bucket,
			Region:         a.cfg.S3Region,
			Endpoint:       a.cfg.S3Endpoint,
			KeyPrefix:      a.cfg.S3Prefix,
			ForcePathStyle: a.cfg.S3PathStyle,
		}, s3replica.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		res.add(r.Close)
		return r, nil

	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownRemote, a.cfg.Remote)
	}
}

// remoteMetadataPath places the remote index in the remote root's state dir.
func remoteMetadataPath(cfg *config.Config) string {
	return filepath.Join(cfg.RemoteDir, ignore.StateDir, filepath.Base(cfg.MetadataPath()))
}

// openEngine wires the local store, the remote and the last-synced snapshot.
func (a *application) openEngine(ctx context.Context, res *resources, rescan bool) (*sync.Engine, *store.FileStore, error) {
	local, err := a.openLocal(res)
	if err != nil {
		return nil, nil, err
	}

	remote, err := a.openRemote(ctx, res)
	if err != nil {
		return nil, nil, err
	}

	base, err := openMetadata(a.cfg.Backend, a.cfg.StatePath(), a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open sync state: %w", err)
	}
	res.add(base.Close)

	resolver, err := reconcile.ParsePolicy(a.cfg.Conflict)
	if err != nil {
		return nil, nil, err
	}

	opts := []sync.EngineOption{
		sync.WithLogger(a.logger),
		sync.WithMetrics(a.metrics),
		sync.WithResolver(resolver),
		sync.WithIgnore(local.Ignore()),
		sync.WithMaxFileSize(int64(a.cfg.MaxFileSize)),
		sync.WithRescan(rescan),
	}
	if a.cfg.RateLimit > 0 {
		opts = append(opts, sync.WithLimiter(rate.NewLimiter(rate.Limit(a.cfg.RateLimit), a.cfg.RateBurst)))
	}

	return sync.NewEngine(local, remote, base, opts...), local, nil
}
