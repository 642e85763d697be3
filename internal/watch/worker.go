package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/queue"
	"github.com/fclairamb/boxsync/internal/sync"
)

const (
	defaultSyncDelay    = 500 * time.Millisecond
	defaultSyncInterval = 30 * time.Second
	defaultBatchSize    = 100
)

// Syncer runs sync passes. *sync.Engine implements it.
type Syncer interface {
	Run(ctx context.Context) (*sync.Result, error)
	SyncPaths(ctx context.Context, paths []string) (*sync.Result, error)
}

// Worker processes queued paths in the background and runs a full sync
// periodically.
type Worker struct {
	syncer       Syncer
	queue        *queue.Queue
	logger       *slog.Logger
	syncDelay    time.Duration
	syncInterval time.Duration
	batchSize    int
	notify       chan struct{}
	fullSync     chan struct{}

	lastRun atomic.Pointer[RunStatus]
}

// RunStatus describes the last completed pass.
type RunStatus struct {
	RunID      string    `json:"run_id"`
	Full       bool      `json:"full"`
	FinishedAt time.Time `json:"finished_at"`
	Uploaded   int       `json:"uploaded"`
	Downloaded int       `json:"downloaded"`
	Deleted    int       `json:"deleted"`
	Conflicts  int       `json:"conflicts"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// WorkerOption configures the Worker.
type WorkerOption func(*Worker)

// WithSyncDelay sets the debounce delay before processing.
// Notifications arriving during the delay coalesce into a single pass.
func WithSyncDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.syncDelay = d
	}
}

// WithSyncInterval sets the period of full sync passes. Zero disables them.
func WithSyncInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.syncInterval = d
	}
}

// WithBatchSize caps the number of paths handed to one SyncPaths call.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		w.batchSize = n
	}
}

// WithWorkerLogger sets a custom logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// NewWorker creates a new sync worker.
func NewWorker(syncer Syncer, q *queue.Queue, opts ...WorkerOption) *Worker {
	worker := &Worker{
		syncer:       syncer,
		queue:        q,
		logger:       slog.Default(),
		syncDelay:    defaultSyncDelay,
		syncInterval: defaultSyncInterval,
		batchSize:    defaultBatchSize,
		notify:       make(chan struct{}, 1),
		fullSync:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(worker)
	}

	return worker
}

// Notify signals that there are queued paths.
// This is non-blocking: if a notification is already pending, it's a no-op.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
		w.logger.Debug("sync worker notified")
	default:
		w.logger.Debug("sync worker notification skipped (already pending)")
	}
}

// TriggerFullSync requests a full pass without waiting for the interval.
func (w *Worker) TriggerFullSync() {
	select {
	case w.fullSync <- struct{}{}:
	default:
	}
}

// LastRun returns the status of the last completed pass, or nil.
func (w *Worker) LastRun() *RunStatus {
	return w.lastRun.Load()
}

// Pending returns the number of queued paths.
func (w *Worker) Pending() int {
	return w.queue.Len()
}

// Start runs the worker until the context is canceled or the sync
// environment breaks. It starts with a full pass.
// This method blocks and should be called in a goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "sync worker started",
		"sync_delay", w.syncDelay,
		"sync_interval", w.syncInterval)

	var tick <-chan time.Time
	if w.syncInterval > 0 {
		ticker := time.NewTicker(w.syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if err := w.runFull(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "sync worker stopping")
			return nil
		case <-w.notify:
			if err := w.processWithDelay(ctx); err != nil {
				return err
			}
		case <-tick:
			if err := w.runFull(ctx); err != nil {
				return err
			}
		case <-w.fullSync:
			if err := w.runFull(ctx); err != nil {
				return err
			}
		}
	}
}

// processWithDelay waits for the sync delay (if configured) then processes the queue.
func (w *Worker) processWithDelay(ctx context.Context) error {
	if w.syncDelay > 0 {
		w.logger.DebugContext(ctx, "waiting for sync delay", "delay", w.syncDelay)

		timer := time.NewTimer(w.syncDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}

	return w.processQueue(ctx)
}

// processQueue drains the queue in batches.
func (w *Worker) processQueue(ctx context.Context) error {
	for {
		paths := w.queue.Drain(w.batchSize)
		if len(paths) == 0 {
			return nil
		}

		w.logger.DebugContext(ctx, "sync worker processing queue", "paths", len(paths), "remaining", w.queue.Len())

		res, syncErr := w.syncer.SyncPaths(ctx, paths)
		if err := w.handleResult(ctx, res, false, syncErr); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (w *Worker) runFull(ctx context.Context) error {
	res, err := w.syncer.Run(ctx)
	return w.handleResult(ctx, res, true, err)
}

// handleResult records a pass. Only environment errors are fatal; other
// failures are retried by the next full pass.
func (w *Worker) handleResult(ctx context.Context, res *sync.Result, full bool, err error) error {
	status := &RunStatus{Full: full, FinishedAt: time.Now()}
	if res != nil {
		status.RunID = res.RunID
		status.Uploaded = res.Uploaded
		status.Downloaded = res.Downloaded
		status.Deleted = res.DeletedLocal + res.DeletedRemote
		status.Conflicts = res.Conflicts
		status.Failed = res.Failed()
	}
	if err != nil {
		status.Error = err.Error()
	}
	w.lastRun.Store(status)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, apperrors.ErrSyncEnvironment):
		w.logger.ErrorContext(ctx, "sync environment is broken, stopping worker", "error", err)
		return fmt.Errorf("sync worker: %w", err)
	default:
		w.logger.WarnContext(ctx, "sync pass failed, will retry", "full", full, "error", err)
		return nil
	}
}
