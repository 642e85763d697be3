package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/hasher"
	"github.com/fclairamb/boxsync/internal/ignore"
	"github.com/fclairamb/boxsync/internal/metadata"
)

// tempGracePeriod protects temp files of puts still in flight from Sweep.
const tempGracePeriod = time.Hour

// Change is the effect of refreshing one path.
type Change int

// Possible changes.
const (
	Unchanged Change = iota
	Added
	Updated
	Removed
)

func (c Change) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ScanResult lists what a Scan changed in the index.
type ScanResult struct {
	Added     []string
	Updated   []string
	Removed   []string
	Skipped   []string
	Unchanged int
}

// Changed reports whether the scan modified the index.
func (r *ScanResult) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed) > 0
}

// VerifyResult lists indexed files whose bytes no longer match their row.
type VerifyResult struct {
	Checked int
	Corrupt []string
	Missing []string
}

// OK reports whether every checked file matched.
func (r *VerifyResult) OK() bool {
	return len(r.Corrupt) == 0 && len(r.Missing) == 0
}

// SweepResult lists orphan files found on disk.
type SweepResult struct {
	Orphans []string
	Removed int
}

// Refresh re-indexes path from disk: the row is created or updated from the
// current bytes, or removed when the file is gone.
func (s *FileStore) Refresh(ctx context.Context, p string) (Change, error) {
	rel, _, err := s.resolve(p)
	if err != nil {
		return Unchanged, err
	}

	unlock := s.locks.lock(rel)
	defer unlock()

	change, err := s.refresh(ctx, rel)
	s.metrics.ObserveStoreOp(opRefresh, err)
	if err != nil {
		return Unchanged, err
	}
	if change != Unchanged {
		s.logger.DebugContext(ctx, "refreshed file", "path", rel, "change", change.String())
	}
	return change, nil
}

// refresh must be called with the path lock held.
func (s *FileStore) refresh(ctx context.Context, rel string) (Change, error) {
	current, err := hasher.HashFile(s.fs, filepath.FromSlash(rel), s.root)
	if errors.Is(err, apperrors.ErrNotFound) {
		current = nil
	} else if err != nil {
		return Unchanged, err
	}

	change := Unchanged
	err = s.meta.WithTx(ctx, func(tx metadata.Querier) error {
		existing, err := tx.GetMetadata(ctx, rel)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if errors.Is(err, apperrors.ErrNotFound) {
			existing = nil
		}

		switch {
		case current == nil && existing == nil:
			return nil
		case current == nil:
			change = Removed
			return tx.DeleteMetadata(ctx, rel)
		case existing == nil:
			change = Added
		case sameFile(existing, current):
			return nil
		default:
			change = Updated
		}
		return tx.SaveMetadata(ctx, current)
	})
	if err != nil {
		return Unchanged, fmt.Errorf("refresh %s: %w", rel, err)
	}
	return change, nil
}

func sameFile(a, b *metadata.FileMetadata) bool {
	return a.ContentHash == b.ContentHash &&
		a.Size == b.Size &&
		a.Mode == b.Mode &&
		a.ModifiedAt.Equal(b.ModifiedAt)
}

// Scan walks the root and brings the index in line with the files on disk.
// Files that vanish between the walk and hashing are dropped, not reported.
func (s *FileStore) Scan(ctx context.Context) (*ScanResult, error) {
	s.logger.DebugContext(ctx, "scanning root", "root", s.root)

	res := &ScanResult{}
	err := s.scan(ctx, res)
	s.metrics.ObserveStoreOp(opScan, err)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "scan complete",
		"added", len(res.Added),
		"updated", len(res.Updated),
		"removed", len(res.Removed),
		"unchanged", res.Unchanged,
		"skipped", len(res.Skipped))
	return res, nil
}

func (s *FileStore) scan(ctx context.Context, res *ScanResult) error {
	if _, err := s.fs.Stat(s.root); err != nil {
		return fmt.Errorf("stat root %s: %w", s.root, err)
	}

	rows, err := s.meta.ListMetadata(ctx, "")
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	walkErr := afero.Walk(s.fs, s.root, func(abs string, info fs.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if abs == s.root {
			return nil
		}

		rel, err := s.relPath(abs)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if s.ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || s.ignored(rel, false) {
			return nil
		}

		seen[rel] = true
		change, err := s.refreshLocked(ctx, rel)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping file", "path", rel, "error", err)
			res.Skipped = append(res.Skipped, rel)
			return nil
		}
		res.record(rel, change)
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", s.root, walkErr)
	}

	// Rows the walk did not reach: gone from disk, or ignored but still present.
	for _, row := range rows {
		if seen[row.Path] {
			continue
		}
		if _, err := s.fs.Stat(filepath.Join(s.root, filepath.FromSlash(row.Path))); err == nil {
			continue
		}
		change, err := s.refreshLocked(ctx, row.Path)
		if err != nil {
			return err
		}
		res.record(row.Path, change)
	}
	return nil
}

func (s *FileStore) refreshLocked(ctx context.Context, rel string) (Change, error) {
	unlock := s.locks.lock(rel)
	defer unlock()
	return s.refresh(ctx, rel)
}

func (r *ScanResult) record(rel string, change Change) {
	switch change {
	case Added:
		r.Added = append(r.Added, rel)
	case Updated:
		r.Updated = append(r.Updated, rel)
	case Removed:
		r.Removed = append(r.Removed, rel)
	default:
		r.Unchanged++
	}
}

// Verify re-hashes every indexed file under prefix and reports mismatches.
// Nothing is modified.
func (s *FileStore) Verify(ctx context.Context, prefix string) (*VerifyResult, error) {
	rows, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			s.metrics.ObserveStoreOp(opVerify, err)
			return nil, err
		}

		res.Checked++
		current, err := hasher.HashFile(s.fs, filepath.FromSlash(row.Path), s.root)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			res.Missing = append(res.Missing, row.Path)
		case err != nil:
			s.metrics.ObserveStoreOp(opVerify, err)
			return nil, err
		case current.ContentHash != row.ContentHash:
			s.metrics.IncCorruption()
			res.Corrupt = append(res.Corrupt, row.Path)
		}
	}

	s.metrics.ObserveStoreOp(opVerify, nil)
	s.logger.DebugContext(ctx, "verify complete",
		"checked", res.Checked, "corrupt", len(res.Corrupt), "missing", len(res.Missing))
	return res, nil
}

// SweepOptions selects what Sweep removes.
type SweepOptions struct {
	// DryRun only reports what would be removed.
	DryRun bool
	// Orphans also removes regular files that have no metadata row. Without
	// it only leftover temp files are swept, so files not indexed yet survive.
	Orphans bool
}

// Sweep removes leftover temp files from interrupted puts once they are older
// than an hour, and, with opts.Orphans, files on disk that have no metadata
// row. Ignored paths are left alone.
func (s *FileStore) Sweep(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	res := &SweepResult{}
	err := afero.Walk(s.fs, s.root, func(abs string, info fs.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if abs == s.root {
			return nil
		}

		rel, err := s.relPath(abs)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if s.ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		if strings.HasPrefix(info.Name(), ignore.TempPrefix) {
			if time.Since(info.ModTime()) < tempGracePeriod {
				return nil
			}
		} else if !opts.Orphans || s.ignored(rel, false) {
			return nil
		}

		return s.sweepOne(ctx, rel, abs, opts.DryRun, res)
	})
	s.metrics.ObserveStoreOp(opSweep, err)
	if err != nil {
		return nil, fmt.Errorf("sweep %s: %w", s.root, err)
	}

	s.logger.InfoContext(ctx, "sweep complete", "orphans", len(res.Orphans), "removed", res.Removed, "dry_run", opts.DryRun, "orphans_included", opts.Orphans)
	return res, nil
}

func (s *FileStore) sweepOne(ctx context.Context, rel, abs string, dryRun bool, res *SweepResult) error {
	unlock := s.locks.lock(rel)
	defer unlock()

	_, err := s.meta.GetMetadata(ctx, rel)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	res.Orphans = append(res.Orphans, rel)
	if dryRun {
		return nil
	}

	if err := s.fs.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove orphan %s: %w", rel, err)
	}
	res.Removed++
	s.logger.DebugContext(ctx, "removed orphan file", "path", rel)
	return nil
}
