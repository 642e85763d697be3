package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStoreOp("put", nil)
		m.AddStoreBytes(DirectionWrite, 10)
		m.IncSelfHeal()
		m.IncCorruption()
		m.ObserveSyncOp("upload", errors.New("x"))
		m.ObserveSyncRun(time.Second)
	})
}

func TestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStoreOp("put", nil)
	m.ObserveStoreOp("put", nil)
	m.ObserveStoreOp("put", errors.New("disk full"))
	m.AddStoreBytes(DirectionRead, 5)
	m.AddStoreBytes(DirectionRead, 0)
	m.IncSelfHeal()
	m.ObserveSyncOp("download", nil)
	m.ObserveSyncRun(20 * time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.storeOperations.WithLabelValues("put", StatusOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.storeOperations.WithLabelValues("put", StatusError)), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.storeBytes.WithLabelValues(DirectionRead)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.storeSelfHeals), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.storeCorruptions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.syncOperations.WithLabelValues("download", StatusOK)), 0)

	count, err := testutil.GatherAndCount(reg, "boxsync_sync_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
