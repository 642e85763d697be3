// Package metrics exposes Prometheus collectors for the file store and the sync engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Direction label values.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// Metrics holds every collector of the application.
type Metrics struct {
	storeOperations  *prometheus.CounterVec
	storeBytes       *prometheus.CounterVec
	storeSelfHeals   prometheus.Counter
	storeCorruptions prometheus.Counter
	syncOperations   *prometheus.CounterVec
	syncRunDuration  prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		storeOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxsync_store_operations_total",
				Help: "Total number of file store operations by operation and status",
			},
			[]string{"op", "status"},
		),
		storeBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxsync_store_bytes_total",
				Help: "Total bytes read from or written to the file store",
			},
			[]string{"direction"},
		),
		storeSelfHeals: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "boxsync_store_self_heals_total",
				Help: "Stale metadata rows removed because the file was missing on disk",
			},
		),
		storeCorruptions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "boxsync_store_corruptions_total",
				Help: "Reads whose content hash did not match the indexed hash",
			},
		),
		syncOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxsync_sync_operations_total",
				Help: "Sync operations executed by action and status",
			},
			[]string{"action", "status"},
		),
		syncRunDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "boxsync_sync_run_duration_seconds",
				Help:    "Duration of sync runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms .. ~164s
			},
		),
	}
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// ObserveStoreOp counts one file store operation.
func (m *Metrics) ObserveStoreOp(op string, err error) {
	if m == nil {
		return
	}
	m.storeOperations.WithLabelValues(op, statusOf(err)).Inc()
}

// AddStoreBytes counts bytes moved in direction.
func (m *Metrics) AddStoreBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.storeBytes.WithLabelValues(direction).Add(float64(n))
}

// IncSelfHeal counts one stale row purge.
func (m *Metrics) IncSelfHeal() {
	if m == nil {
		return
	}
	m.storeSelfHeals.Inc()
}

// IncCorruption counts one hash mismatch.
func (m *Metrics) IncCorruption() {
	if m == nil {
		return
	}
	m.storeCorruptions.Inc()
}

// ObserveSyncOp counts one executed sync operation.
func (m *Metrics) ObserveSyncOp(action string, err error) {
	if m == nil {
		return
	}
	m.syncOperations.WithLabelValues(action, statusOf(err)).Inc()
}

// ObserveSyncRun records the duration of one sync run.
func (m *Metrics) ObserveSyncRun(d time.Duration) {
	if m == nil {
		return
	}
	m.syncRunDuration.Observe(d.Seconds())
}
