package walstore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqlite/hqwal/pkg/walfs"
)

func TestMetrics_RegisterTwiceReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := NewMetrics(reg)
	require.NoError(t, err)
	m2, err := NewMetrics(reg)
	require.NoError(t, err)

	m1.rotations.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m2.rotations))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.observeAppend(1, 0, nil)
	m.incRotation()
	m.observeRemove("purge", nil)
	m.addMapped(1)
	m.setLogState(1, 1)
}

func TestMetrics_StoreActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	s := openStore(t, t.TempDir(), WithMetrics(m), WithSegmentSize(walfs.MinSegmentSize))
	w := s.Writer()
	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, w.Append([]Entry{{Index: i, Data: make([]byte, 600)}}, nil))
	}
	assert.ErrorIs(t, w.Append([]Entry{{Index: 40}}, nil), ErrNonContiguous)
	require.NoError(t, w.Purge(10, []byte("10")))
	require.NoError(t, w.Truncate(15))

	_, err = s.Reader().Entries(0, 100)
	require.NoError(t, err)

	assert.Equal(t, 20.0, testutil.ToFloat64(m.appendedRecords))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.appendBatches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.appendBatches.WithLabelValues("error")))
	assert.Positive(t, testutil.ToFloat64(m.rotations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.removes.WithLabelValues("purge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.removes.WithLabelValues("truncate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metadataRewrites))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.lastIndex))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.readRecords))
	assert.Positive(t, testutil.ToFloat64(m.mappedSegments))
	assert.Equal(t, 1, testutil.CollectAndCount(m.fsyncDuration))
}
