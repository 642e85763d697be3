package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/queue"
	"github.com/fclairamb/boxsync/internal/sync"
)

// fakeSyncer records the passes it is asked to run.
type fakeSyncer struct {
	fullRuns atomic.Int32
	batches  chan []string
	runErr   error
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{batches: make(chan []string, 16)}
}

func (f *fakeSyncer) Run(context.Context) (*sync.Result, error) {
	f.fullRuns.Add(1)
	return &sync.Result{RunID: "full"}, f.runErr
}

func (f *fakeSyncer) SyncPaths(_ context.Context, paths []string) (*sync.Result, error) {
	f.batches <- paths
	return &sync.Result{RunID: "paths", Uploaded: len(paths)}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestWorker creates a Worker with no periodic pass unless opts set one.
func createTestWorker(t *testing.T, syncer Syncer, q *queue.Queue, opts ...WorkerOption) *Worker {
	t.Helper()

	base := []WorkerOption{
		WithWorkerLogger(discardLogger()),
		WithSyncDelay(0),
		WithSyncInterval(0),
	}
	return NewWorker(syncer, q, append(base, opts...)...)
}

// startWorker runs the worker until the test ends and returns its exit channel.
func startWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()
	return cancel, done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestWorker_NotifyNonBlocking verifies that Notify is non-blocking.
func TestWorker_NotifyNonBlocking(t *testing.T) {
	t.Parallel()
	worker := createTestWorker(t, newFakeSyncer(), queue.New())

	done := make(chan struct{})
	go func() {
		for range 100 {
			worker.Notify()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Notify blocked when it should be non-blocking")
	}
}

// TestWorker_InitialFullSync verifies that the worker starts with a full pass.
func TestWorker_InitialFullSync(t *testing.T) {
	t.Parallel()
	syncer := newFakeSyncer()
	worker := createTestWorker(t, syncer, queue.New())

	startWorker(t, worker)

	waitFor(t, func() bool { return syncer.fullRuns.Load() == 1 })
	waitFor(t, func() bool { return worker.LastRun() != nil })
	if !worker.LastRun().Full {
		t.Error("expected last run to be a full pass")
	}
}

// TestWorker_ProcessOnNotify verifies that queued paths are synced when notified.
func TestWorker_ProcessOnNotify(t *testing.T) {
	t.Parallel()
	syncer := newFakeSyncer()
	q := queue.New()
	worker := createTestWorker(t, syncer, q)

	startWorker(t, worker)

	q.Push("a.txt")
	q.Push("b.txt")
	worker.Notify()

	select {
	case batch := <-syncer.batches:
		if len(batch) != 2 || batch[0] != "a.txt" || batch[1] != "b.txt" {
			t.Errorf("unexpected batch %v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued paths were not synced")
	}

	waitFor(t, func() bool { return q.Len() == 0 })
}

// TestWorker_Batches verifies that a large queue is split into batches.
func TestWorker_Batches(t *testing.T) {
	t.Parallel()
	syncer := newFakeSyncer()
	q := queue.New()
	worker := createTestWorker(t, syncer, q, WithBatchSize(2))

	for i := range 5 {
		q.Push(fmt.Sprintf("f%d", i))
	}
	startWorker(t, worker)
	worker.Notify()

	sizes := make([]int, 0, 3)
	for range 3 {
		select {
		case batch := <-syncer.batches:
			sizes = append(sizes, len(batch))
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 3 batches, got %v", sizes)
		}
	}
	if sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("unexpected batch sizes %v", sizes)
	}
}

// TestWorker_SyncDelay verifies that notifications during the delay coalesce.
func TestWorker_SyncDelay(t *testing.T) {
	t.Parallel()
	syncer := newFakeSyncer()
	q := queue.New()
	delay := 100 * time.Millisecond
	worker := createTestWorker(t, syncer, q, WithSyncDelay(delay))

	startWorker(t, worker)
	waitFor(t, func() bool { return syncer.fullRuns.Load() == 1 })

	start := time.Now()
	q.Push("a.txt")
	worker.Notify()
	time.Sleep(delay / 4)
	q.Push("b.txt")
	worker.Notify()

	select {
	case batch := <-syncer.batches:
		if elapsed := time.Since(start); elapsed < delay {
			t.Errorf("processing started before delay: elapsed %v, delay %v", elapsed, delay)
		}
		if len(batch) != 2 {
			t.Errorf("expected both paths in one batch, got %v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued paths were not synced")
	}
}

// TestWorker_PeriodicFullSync verifies the interval ticker and manual triggers.
func TestWorker_PeriodicFullSync(t *testing.T) {
	t.Parallel()
	syncer := newFakeSyncer()
	worker := createTestWorker(t, syncer, queue.New(), WithSyncInterval(20*time.Millisecond))

	startWorker(t, worker)
	waitFor(t, func() bool { return syncer.fullRuns.Load() >= 3 })

	manualSyncer := newFakeSyncer()
	manual := createTestWorker(t, manualSyncer, queue.New())
	startWorker(t, manual)
	waitFor(t, func() bool { return manualSyncer.fullRuns.Load() == 1 })
	manual.TriggerFullSync()
	waitFor(t, func() bool { return manualSyncer.fullRuns.Load() == 2 })
}

// TestWorker_StopsOnEnvironmentError verifies that a broken root stops the worker.
func TestWorker_StopsOnEnvironmentError(t *testing.T) {
	t.Parallel()
	syncer := newFakeSyncer()
	syncer.runErr = fmt.Errorf("%w: root gone", apperrors.ErrSyncEnvironment)
	worker := createTestWorker(t, syncer, queue.New())

	_, done := startWorker(t, worker)

	select {
	case err := <-done:
		if !errors.Is(err, apperrors.ErrSyncEnvironment) {
			t.Errorf("expected environment error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on environment error")
	}
	if worker.LastRun() == nil || worker.LastRun().Error == "" {
		t.Error("expected the failed pass to be recorded")
	}
}

// TestWorker_ToleratesTransientErrors verifies that other errors do not stop the worker.
func TestWorker_ToleratesTransientErrors(t *testing.T) {
	t.Parallel()
	syncer := newFakeSyncer()
	syncer.runErr = errors.New("remote unavailable")
	worker := createTestWorker(t, syncer, queue.New())

	_, done := startWorker(t, worker)
	waitFor(t, func() bool { return syncer.fullRuns.Load() == 1 })

	select {
	case err := <-done:
		t.Fatalf("worker stopped unexpectedly: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestWorker_GracefulCancellation verifies that the worker stops when context is canceled.
func TestWorker_GracefulCancellation(t *testing.T) {
	t.Parallel()
	syncer := newFakeSyncer()
	worker := createTestWorker(t, syncer, queue.New())

	cancel, done := startWorker(t, worker)
	waitFor(t, func() bool { return syncer.fullRuns.Load() == 1 })

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop gracefully")
	}
}
