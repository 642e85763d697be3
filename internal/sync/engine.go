// Package sync converges a local file store with a remote replica.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/ignore"
	"github.com/fclairamb/boxsync/internal/metadata"
	"github.com/fclairamb/boxsync/internal/metrics"
	"github.com/fclairamb/boxsync/internal/reconcile"
	"github.com/fclairamb/boxsync/internal/replica"
	"github.com/fclairamb/boxsync/internal/store"
)

const (
	bytesPerKB = 1024
	bytesPerMB = 1024 * bytesPerKB

	// DefaultMaxFileSize is the largest file a sync transfers unless configured otherwise.
	DefaultMaxFileSize = 10 * bytesPerMB
)

// Engine runs sync passes between a local store and a remote replica.
// The base store keeps, per path, the state both sides agreed on after the
// last successful operation.
type Engine struct {
	local       *store.FileStore
	remote      replica.Replica
	base        metadata.Store
	reconciler  *reconcile.Reconciler
	resolver    reconcile.ConflictResolver
	ignore      *ignore.Matcher
	limiter     *rate.Limiter
	maxFileSize int64
	rescan      bool
	logger      *slog.Logger
	metrics     *metrics.Metrics

	runMu gosync.Mutex
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithResolver sets the conflict policy. Defaults to reconcile.PreferRemote.
func WithResolver(r reconcile.ConflictResolver) EngineOption {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithIgnore sets the rules for paths left out of sync. Defaults to the
// local store's rules, or ignore.DefaultPatterns when it has none.
func WithIgnore(m *ignore.Matcher) EngineOption {
	return func(e *Engine) {
		e.ignore = m
	}
}

// WithLimiter throttles transfers. A nil limiter means no limit.
func WithLimiter(l *rate.Limiter) EngineOption {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithMaxFileSize sets the largest file transferred; 0 disables the check.
func WithMaxFileSize(n int64) EngineOption {
	return func(e *Engine) {
		e.maxFileSize = n
	}
}

// WithRescan makes Run re-index the local root before planning.
func WithRescan(rescan bool) EngineOption {
	return func(e *Engine) {
		e.rescan = rescan
	}
}

// NewEngine creates a sync engine.
func NewEngine(local *store.FileStore, remote replica.Replica, base metadata.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		local:       local,
		remote:      remote,
		base:        base,
		resolver:    reconcile.PreferRemote,
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ignore == nil {
		e.ignore = local.Ignore()
	}
	if e.ignore == nil {
		e.ignore = ignore.New()
	}
	e.reconciler = reconcile.New(e.resolver, reconcile.WithLogger(e.logger))
	return e
}

// Failure is an operation that did not complete. It is retried on the next run.
type Failure struct {
	Path   string
	Action reconcile.Action
	Err    error
}

// Result summarizes a run.
type Result struct {
	RunID         string
	Uploaded      int
	Downloaded    int
	DeletedLocal  int
	DeletedRemote int
	Unchanged     int
	Conflicts     int
	Failures      []Failure
	Duration      time.Duration
}

// Failed returns the number of failed operations.
func (r *Result) Failed() int {
	return len(r.Failures)
}

// Transferred returns the number of operations that changed a side.
func (r *Result) Transferred() int {
	return r.Uploaded + r.Downloaded + r.DeletedLocal + r.DeletedRemote
}

// snapshots holds the three views of the paths being synced.
type snapshots struct {
	local  []*metadata.FileMetadata
	base   []*metadata.FileMetadata
	remote []*metadata.FileMetadata
}

// Run converges the whole tree.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	res, logger := e.newRun()
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		e.metrics.ObserveSyncRun(res.Duration)
	}()

	logger.InfoContext(ctx, "starting sync", "root", e.local.Root())

	if err := e.checkEnvironment(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if e.rescan {
		if _, err := e.local.Scan(ctx); err != nil {
			return res, e.abortCause(fmt.Errorf("rescan local root: %w", err))
		}
	}

	snap, err := e.loadAll(ctx)
	if err != nil {
		return res, e.abortCause(err)
	}

	if err := e.execute(ctx, logger, e.reconciler.DiffWithBase(snap.local, snap.base, snap.remote), snap, res); err != nil {
		return res, err
	}

	e.logResult(ctx, logger, res)
	return res, nil
}

// SyncPaths converges only the given paths. Local rows are refreshed from
// disk first, so paths reported by a watcher can be passed as is.
func (e *Engine) SyncPaths(ctx context.Context, paths []string) (*Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	res, logger := e.newRun()
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		e.metrics.ObserveSyncRun(res.Duration)
	}()

	logger.DebugContext(ctx, "syncing paths", "count", len(paths))

	if err := e.checkEnvironment(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	snap := &snapshots{}
	for _, p := range paths {
		rel, err := metadata.CleanPath(p)
		if err != nil || e.ignore.Match(rel, false) {
			logger.DebugContext(ctx, "skipping path", "path", p)
			continue
		}

		if _, err := e.local.Refresh(ctx, rel); err != nil {
			if errors.Is(err, apperrors.ErrInvalidPath) {
				logger.DebugContext(ctx, "skipping path", "path", rel, "error", err)
				continue
			}
			return res, e.abortCause(fmt.Errorf("refresh %s: %w", rel, err))
		}

		if err := e.loadPath(ctx, rel, snap); err != nil {
			return res, e.abortCause(err)
		}
	}

	if err := e.execute(ctx, logger, e.reconciler.DiffWithBase(snap.local, snap.base, snap.remote), snap, res); err != nil {
		return res, err
	}

	e.logResult(ctx, logger, res)
	return res, nil
}

// DryRun returns the plan Run would execute without executing it.
func (e *Engine) DryRun(ctx context.Context) (*reconcile.Plan, error) {
	if err := e.checkEnvironment(); err != nil {
		return nil, err
	}

	snap, err := e.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return e.reconciler.DiffWithBase(snap.local, snap.base, snap.remote), nil
}

func (e *Engine) newRun() (*Result, *slog.Logger) {
	runID := uuid.NewString()
	return &Result{RunID: runID}, e.logger.With("run_id", runID)
}

// checkEnvironment fails with apperrors.ErrSyncEnvironment when the local root is unusable.
func (e *Engine) checkEnvironment() error {
	info, err := e.local.Fs().Stat(e.local.Root())
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: root %s does not exist", apperrors.ErrSyncEnvironment, e.local.Root())
	}
	if err != nil {
		return fmt.Errorf("%w: stat root %s: %w", apperrors.ErrSyncEnvironment, e.local.Root(), err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: root %s is not a directory", apperrors.ErrSyncEnvironment, e.local.Root())
	}
	return nil
}

// abortCause turns err into an environment error when the root vanished meanwhile.
func (e *Engine) abortCause(err error) error {
	if envErr := e.checkEnvironment(); envErr != nil {
		return errors.Join(envErr, err)
	}
	return err
}

func (e *Engine) loadAll(ctx context.Context) (*snapshots, error) {
	local, err := e.local.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list local: %w", err)
	}
	base, err := e.base.ListMetadata(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list base: %w", err)
	}
	remote, err := e.remote.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list remote: %w", err)
	}

	return &snapshots{
		local:  e.dropIgnored(local),
		base:   e.dropIgnored(base),
		remote: e.dropIgnored(remote),
	}, nil
}

func (e *Engine) loadPath(ctx context.Context, rel string, snap *snapshots) error {
	if md, err := e.local.GetMetadata(ctx, rel); err == nil {
		snap.local = append(snap.local, md)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("get local %s: %w", rel, err)
	}

	if md, err := e.base.GetMetadata(ctx, rel); err == nil {
		snap.base = append(snap.base, md)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("get base %s: %w", rel, err)
	}

	rows, err := e.remote.List(ctx, rel)
	if err != nil {
		return fmt.Errorf("list remote %s: %w", rel, err)
	}
	for _, md := range rows {
		if md.Path == rel {
			snap.remote = append(snap.remote, md)
		}
	}
	return nil
}

func (e *Engine) dropIgnored(rows []*metadata.FileMetadata) []*metadata.FileMetadata {
	out := rows[:0:0]
	for _, md := range rows {
		if e.ignore.Match(md.Path, false) {
			continue
		}
		out = append(out, md)
	}
	return out
}

func (e *Engine) logResult(ctx context.Context, logger *slog.Logger, res *Result) {
	logger.InfoContext(ctx, "sync complete",
		"uploaded", res.Uploaded,
		"downloaded", res.Downloaded,
		"deleted_local", res.DeletedLocal,
		"deleted_remote", res.DeletedRemote,
		"unchanged", res.Unchanged,
		"conflicts", res.Conflicts,
		"failed", res.Failed())
}
