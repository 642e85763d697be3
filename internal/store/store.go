// Package store keeps file bytes under a root directory and their metadata index consistent.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/hasher"
	"github.com/fclairamb/boxsync/internal/ignore"
	"github.com/fclairamb/boxsync/internal/metadata"
	"github.com/fclairamb/boxsync/internal/metrics"
)

const (
	// File and directory permissions.
	dirPerm  = 0750 // Directory permissions: rwxr-x---
	filePerm = 0600 // File permissions: rw-------
)

// Operation names used in metrics.
const (
	opGet     = "get"
	opPut     = "put"
	opDelete  = "delete"
	opList    = "list"
	opRefresh = "refresh"
	opScan    = "scan"
	opVerify  = "verify"
	opSweep   = "sweep"
)

// SyftFile is a file read from the store: its indexed metadata and its bytes.
type SyftFile struct {
	Metadata     *metadata.FileMetadata
	Data         []byte
	AbsolutePath string
}

// FileStore coordinates file bytes on disk with the metadata index.
// Callers never touch the index or the filesystem directly.
type FileStore struct {
	fs           afero.Fs
	root         string
	meta         metadata.Store
	logger       *slog.Logger
	metrics      *metrics.Metrics
	ignore       *ignore.Matcher
	verifyOnRead bool
	locks        *pathLocks
}

// Option configures FileStore.
type Option func(*FileStore)

// WithLogger sets a custom logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *FileStore) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *FileStore) {
		s.metrics = m
	}
}

// WithIgnore sets the rules Scan and Sweep use to skip paths.
func WithIgnore(m *ignore.Matcher) Option {
	return func(s *FileStore) {
		s.ignore = m
	}
}

// WithVerifyOnRead controls whether Get re-hashes the bytes it reads.
// Enabled by default.
func WithVerifyOnRead(verify bool) Option {
	return func(s *FileStore) {
		s.verifyOnRead = verify
	}
}

// New creates a file store rooted at root. The store does not own meta;
// the caller closes it.
func New(fsys afero.Fs, root string, meta metadata.Store, opts ...Option) *FileStore {
	s := &FileStore{
		fs:           fsys,
		root:         filepath.Clean(root),
		meta:         meta,
		logger:       slog.Default(),
		verifyOnRead: true,
		locks:        newPathLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the snapshot folder.
func (s *FileStore) Root() string {
	return s.root
}

// Fs returns the filesystem the store writes to.
func (s *FileStore) Fs() afero.Fs {
	return s.fs
}

// Ignore returns the ignore rules, possibly nil.
func (s *FileStore) Ignore() *ignore.Matcher {
	return s.ignore
}

// Get reads the file at path.
//
// A row whose file is gone from disk is removed and reported as
// apperrors.ErrNotFound. With verification on, bytes that do not match the
// indexed hash are reported as an *apperrors.CorruptionError.
func (s *FileStore) Get(ctx context.Context, p string) (*SyftFile, error) {
	rel, abs, err := s.resolve(p)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(rel)
	defer unlock()

	s.logger.DebugContext(ctx, "reading file", "path", rel)

	file, err := s.get(ctx, rel, abs)
	s.metrics.ObserveStoreOp(opGet, err)
	if err != nil {
		s.logger.DebugContext(ctx, "read file failed", "path", rel, "error", err)
		return nil, err
	}

	s.metrics.AddStoreBytes(metrics.DirectionRead, int64(len(file.Data)))
	s.logger.DebugContext(ctx, "read file complete", "path", rel, "size", len(file.Data))
	return file, nil
}

func (s *FileStore) get(ctx context.Context, rel, abs string) (*SyftFile, error) {
	md, err := s.meta.GetMetadata(ctx, rel)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, abs)
	if errors.Is(err, fs.ErrNotExist) {
		if delErr := s.meta.DeleteMetadata(ctx, rel); delErr != nil {
			return nil, fmt.Errorf("remove stale metadata %s: %w", rel, delErr)
		}
		s.metrics.IncSelfHeal()
		s.logger.WarnContext(ctx, "file missing on disk, removed stale metadata", "path", rel)
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", rel, err)
	}

	if s.verifyOnRead {
		if actual := hasher.HashBytes(data); actual != md.ContentHash {
			s.metrics.IncCorruption()
			s.logger.ErrorContext(ctx, "content hash mismatch",
				"path", rel, "expected", md.ContentHash, "actual", actual)
			return nil, apperrors.NewCorruptionError(rel, md.ContentHash, actual)
		}
	}

	return &SyftFile{
		Metadata:     md,
		Data:         data,
		AbsolutePath: abs,
	}, nil
}

// Exists reports whether path has a metadata row. The filesystem is not
// checked; a stale row is only detected by Get.
func (s *FileStore) Exists(ctx context.Context, p string) (bool, error) {
	rel, _, err := s.resolve(p)
	if err != nil {
		return false, err
	}

	_, err = s.meta.GetMetadata(ctx, rel)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetMetadata returns the indexed metadata of path without reading the file.
func (s *FileStore) GetMetadata(ctx context.Context, p string) (*metadata.FileMetadata, error) {
	rel, _, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	return s.meta.GetMetadata(ctx, rel)
}

// Put writes data at path and indexes it.
//
// The bytes land on disk before the metadata row is committed, both inside
// one transaction. The previous file is set aside first and put back when
// the transaction fails, so a committed row never points at bytes it did
// not index.
func (s *FileStore) Put(ctx context.Context, p string, data []byte) (*metadata.FileMetadata, error) {
	rel, abs, err := s.resolve(p)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(rel)
	defer unlock()

	s.logger.DebugContext(ctx, "writing file", "path", rel, "size", len(data))

	backup, err := s.setAside(abs)
	if err != nil {
		s.metrics.ObserveStoreOp(opPut, err)
		return nil, fmt.Errorf("put %s: %w", rel, err)
	}

	var md *metadata.FileMetadata
	err = s.meta.WithTx(ctx, func(tx metadata.Querier) error {
		if err := s.writeFile(abs, data); err != nil {
			return err
		}

		hashed, err := hasher.HashFile(s.fs, filepath.FromSlash(rel), s.root)
		if err != nil {
			return fmt.Errorf("hash written file: %w", err)
		}
		if err := tx.SaveMetadata(ctx, hashed); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		md = hashed
		return nil
	})
	s.metrics.ObserveStoreOp(opPut, err)
	if err != nil {
		s.logger.DebugContext(ctx, "write file failed", "path", rel, "error", err)
		if restoreErr := s.restore(abs, backup); restoreErr != nil {
			s.logger.ErrorContext(ctx, "failed to restore previous file", "path", rel, "error", restoreErr)
			err = errors.Join(err, restoreErr)
		}
		return nil, fmt.Errorf("put %s: %w", rel, err)
	}

	if backup != "" {
		if rmErr := s.fs.Remove(backup); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.WarnContext(ctx, "failed to remove previous file", "path", rel, "error", rmErr)
		}
	}

	s.metrics.AddStoreBytes(metrics.DirectionWrite, md.Size)
	s.logger.DebugContext(ctx, "write file complete", "path", rel, "hash", md.ContentHash)
	return md, nil
}

// setAside moves the regular file at abs to a temp name in the same
// directory and returns that name. It returns "" when there is nothing to keep.
func (s *FileStore) setAside(abs string) (string, error) {
	info, err := s.fs.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return "", nil
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(abs), ignore.TempPrefix+"bak-*")
	if err != nil {
		return "", fmt.Errorf("create backup name: %w", err)
	}
	backup := tmp.Name()
	_ = tmp.Close()

	if err := s.fs.Rename(abs, backup); err != nil {
		_ = s.fs.Remove(backup)
		return "", fmt.Errorf("set previous file aside: %w", err)
	}
	return backup, nil
}

// restore undoes a failed put: the previous file goes back in place, or the
// new file is removed when there was none.
func (s *FileStore) restore(abs, backup string) error {
	if backup != "" {
		if err := s.fs.Rename(backup, abs); err != nil {
			return fmt.Errorf("restore previous file: %w", err)
		}
		return nil
	}

	info, err := s.fs.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	if err := s.fs.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove unindexed file: %w", err)
	}
	return nil
}

// writeFile writes data to a temp file next to abs and renames it into place.
func (s *FileStore) writeFile(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ignore.TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := s.fs.Chmod(tmpName, filePerm); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := s.fs.Rename(tmpName, abs); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Delete removes the metadata row of path, then the file.
// Deleting an absent path is not an error.
func (s *FileStore) Delete(ctx context.Context, p string) error {
	rel, abs, err := s.resolve(p)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(rel)
	defer unlock()

	s.logger.DebugContext(ctx, "deleting file", "path", rel)

	err = s.delete(ctx, rel, abs)
	s.metrics.ObserveStoreOp(opDelete, err)
	if err != nil {
		s.logger.DebugContext(ctx, "delete file failed", "path", rel, "error", err)
		return err
	}

	s.logger.DebugContext(ctx, "delete file complete", "path", rel)
	return nil
}

func (s *FileStore) delete(ctx context.Context, rel, abs string) error {
	err := s.meta.WithTx(ctx, func(tx metadata.Querier) error {
		return tx.DeleteMetadata(ctx, rel)
	})
	if err != nil {
		return fmt.Errorf("delete metadata %s: %w", rel, err)
	}

	if err := s.fs.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete file %s: %w", rel, err)
	}
	s.pruneEmptyDirs(filepath.Dir(abs))
	return nil
}

// pruneEmptyDirs removes empty directories from dir up to, not including, the root.
func (s *FileStore) pruneEmptyDirs(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := s.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// List returns the metadata rows whose path starts with prefix.
func (s *FileStore) List(ctx context.Context, prefix string) ([]*metadata.FileMetadata, error) {
	prefix = strings.ReplaceAll(prefix, `\`, "/")
	if strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("%w: absolute prefix %q", apperrors.ErrInvalidPath, prefix)
	}

	rows, err := s.meta.ListMetadata(ctx, prefix)
	s.metrics.ObserveStoreOp(opList, err)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// resolve validates a caller path and returns its index key and absolute location.
func (s *FileStore) resolve(p string) (string, string, error) {
	rel, err := metadata.CleanPath(p)
	if err != nil {
		return "", "", err
	}
	if isStatePath(rel) {
		return "", "", fmt.Errorf("%w: %s is reserved", apperrors.ErrInvalidPath, rel)
	}
	return rel, filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

func (s *FileStore) ignored(rel string, isDir bool) bool {
	return isStatePath(rel) || s.ignore.Match(rel, isDir)
}

func isStatePath(rel string) bool {
	first, _, _ := strings.Cut(rel, "/")
	return first == ignore.StateDir
}

// relPath converts an absolute location under the root into an index key.
func (s *FileStore) relPath(abs string) (string, error) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", apperrors.ErrInvalidPath, abs, err)
	}
	return path.Clean(filepath.ToSlash(rel)), nil
}
