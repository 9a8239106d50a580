package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestStatsSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewStats(reg)

	s.RecordTokens(10)
	s.RecordTokens(5)
	s.RecordRequest()
	s.RecordError()
	s.RecordRetry()
	s.RecordRetry()
	s.RecordBatch(4)
	s.RecordBatch(2)

	snap := s.Snapshot()
	assert.Equal(t, int64(15), snap.Tokens)
	assert.Equal(t, int64(1), snap.Requests)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Equal(t, int64(2), snap.Retries)
	assert.Equal(t, 3.0, snap.AverageBatch)
}

func TestStatsSnapshotWithNoBatches(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewStats(reg)
	assert.Equal(t, 0.0, s.Snapshot().AverageBatch)
}

func TestCostEstimate(t *testing.T) {
	assert.InDelta(t, 0.03, CostEstimate("gpt-4", 1000), 1e-9)
	assert.Equal(t, 0.0, CostEstimate("unknown-model", 1000))
}
