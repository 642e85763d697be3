package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/hasher"
	"github.com/fclairamb/boxsync/internal/metadata"
	"github.com/fclairamb/boxsync/internal/reconcile"
)

// execute applies plan. Per-operation failures are recorded in res and the
// run goes on; cancellation and a vanished root stop it.
func (e *Engine) execute(ctx context.Context, logger *slog.Logger, plan *reconcile.Plan, snap *snapshots, res *Result) error {
	baseIdx := metadata.Index(snap.base)

	for _, op := range plan.Operations {
		if err := ctx.Err(); err != nil {
			return err
		}

		if op.Conflict {
			res.Conflicts++
			logger.InfoContext(ctx, "conflict resolved", "path", op.Path, "action", op.Action.String())
		}

		if op.Action == reconcile.Noop {
			res.Unchanged++
			if err := e.recordNoop(ctx, op, baseIdx[op.Path]); err != nil {
				logger.WarnContext(ctx, "failed to record sync state", "path", op.Path, "error", err)
			}
			continue
		}

		err := e.apply(ctx, op)
		e.metrics.ObserveSyncOp(op.Action.String(), err)
		if err == nil {
			if op.Action.IsDelete() {
				logger.InfoContext(ctx, "file deleted", "path", op.Path, "action", op.Action.String())
			} else {
				logger.DebugContext(ctx, "operation complete", "path", op.Path, "action", op.Action.String())
			}
			res.count(op.Action)
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if envErr := e.checkEnvironment(); envErr != nil {
			return errors.Join(envErr, err)
		}

		logger.WarnContext(ctx, "operation failed, will retry on next sync",
			"path", op.Path, "action", op.Action.String(), "error", err)
		res.Failures = append(res.Failures, Failure{Path: op.Path, Action: op.Action, Err: err})
	}
	return nil
}

func (r *Result) count(a reconcile.Action) {
	switch a {
	case reconcile.Upload:
		r.Uploaded++
	case reconcile.Download:
		r.Downloaded++
	case reconcile.DeleteLocal:
		r.DeletedLocal++
	case reconcile.DeleteRemote:
		r.DeletedRemote++
	default:
		r.Unchanged++
	}
}

// recordNoop brings the base row in line with a path both sides agree on.
func (e *Engine) recordNoop(ctx context.Context, op reconcile.Operation, base *metadata.FileMetadata) error {
	agreed := op.Local
	if agreed == nil {
		agreed = op.Remote
	}

	switch {
	case agreed == nil && base == nil:
		return nil
	case agreed == nil:
		return e.base.DeleteMetadata(ctx, op.Path)
	case agreed.SameContent(base):
		return nil
	default:
		return e.base.SaveMetadata(ctx, agreed)
	}
}

func (e *Engine) apply(ctx context.Context, op reconcile.Operation) error {
	if err := e.validate(op); err != nil {
		return err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	switch op.Action {
	case reconcile.Upload:
		return e.upload(ctx, op)
	case reconcile.Download:
		return e.download(ctx, op)
	case reconcile.DeleteLocal:
		if err := e.local.Delete(ctx, op.Path); err != nil {
			return err
		}
		return e.base.DeleteMetadata(ctx, op.Path)
	case reconcile.DeleteRemote:
		if err := e.remote.Delete(ctx, op.Path); err != nil {
			return err
		}
		return e.base.DeleteMetadata(ctx, op.Path)
	default:
		return nil
	}
}

// validate rejects operations that cannot be carried out.
func (e *Engine) validate(op reconcile.Operation) error {
	var src *metadata.FileMetadata
	switch op.Action {
	case reconcile.Upload:
		src = op.Local
	case reconcile.Download:
		src = op.Remote
	default:
		return nil
	}

	if src == nil {
		return fmt.Errorf("%w: %s %s", apperrors.ErrMissingFileData, op.Action, op.Path)
	}
	return e.checkSize(op.Path, src.Size)
}

func (e *Engine) checkSize(path string, size int64) error {
	if e.maxFileSize > 0 && size > e.maxFileSize {
		return fmt.Errorf("%w: %s is %d bytes, limit is %d", apperrors.ErrFileTooLarge, path, size, e.maxFileSize)
	}
	return nil
}

func (e *Engine) upload(ctx context.Context, op reconcile.Operation) error {
	file, err := e.local.Get(ctx, op.Path)
	if err != nil {
		return fmt.Errorf("read local %s: %w", op.Path, err)
	}
	if err := e.checkSize(op.Path, int64(len(file.Data))); err != nil {
		return err
	}

	if _, err := e.remote.Write(ctx, op.Path, file.Data); err != nil {
		return fmt.Errorf("upload %s: %w", op.Path, err)
	}
	return e.base.SaveMetadata(ctx, file.Metadata)
}

func (e *Engine) download(ctx context.Context, op reconcile.Operation) error {
	data, err := e.remote.Read(ctx, op.Path)
	if err != nil {
		return fmt.Errorf("download %s: %w", op.Path, err)
	}
	if err := e.checkSize(op.Path, int64(len(data))); err != nil {
		return err
	}
	if actual := hasher.HashBytes(data); actual != op.Remote.ContentHash {
		return apperrors.NewCorruptionError(op.Path, op.Remote.ContentHash, actual)
	}

	md, err := e.local.Put(ctx, op.Path, data)
	if err != nil {
		return err
	}
	return e.base.SaveMetadata(ctx, md)
}
