package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunwatch/internal/model"
)

func sampleAt(ts time.Time, latency float64) model.Sample {
	return model.Sample{
		Tunnel:         "alpha",
		Timestamp:      ts,
		Up:             true,
		LatencyMS:      latency,
		HasLatency:     true,
		ThroughputMbps: 10,
		PacketLossPct:  1,
	}
}

func TestStoreEvictsPastCapacity(t *testing.T) {
	t.Parallel()

	s := NewStore(5)
	start := time.Now()
	for i := 0; i < 12; i++ {
		s.Record("alpha", sampleAt(start.Add(time.Duration(i)*time.Second), float64(i)))
	}

	hist := s.History("alpha")
	require.Len(t, hist, 5)
	// Oldest first, most recent sample never lost.
	assert.Equal(t, float64(7), hist[0].LatencyMS)
	assert.Equal(t, float64(11), hist[4].LatencyMS)

	latest, ok := s.Latest("alpha")
	require.True(t, ok)
	assert.Equal(t, float64(11), latest.LatencyMS)

	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].Timestamp.Before(hist[i-1].Timestamp))
	}
}

func TestStoreHistoryIsolatedPerTunnel(t *testing.T) {
	t.Parallel()

	s := NewStore(10)
	s.Record("alpha", sampleAt(time.Now(), 1))
	assert.Len(t, s.History("alpha"), 1)
	assert.Empty(t, s.History("beta"))
	_, ok := s.Latest("beta")
	assert.False(t, ok)
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	s := NewStore(10)
	now := time.Now()
	s.Record("alpha", model.Sample{Timestamp: now, Up: true, LatencyMS: 10, HasLatency: true, ThroughputMbps: 5, PacketLossPct: 0})
	s.Record("alpha", model.Sample{Timestamp: now.Add(time.Second), Up: true, LatencyMS: 30, HasLatency: true, ThroughputMbps: 15, PacketLossPct: 2})
	// Probe failure: no latency reading, must not skew latency stats.
	s.Record("alpha", model.Sample{Timestamp: now.Add(2 * time.Second), Up: false, ThroughputMbps: 0, PacketLossPct: 100})

	agg := s.Aggregate("alpha")
	assert.Equal(t, 3, agg.Count)
	assert.Equal(t, float64(10), agg.Latency.Min)
	assert.Equal(t, float64(30), agg.Latency.Max)
	assert.InDelta(t, 20, agg.Latency.Avg, 1e-9)
	assert.Equal(t, float64(0), agg.Throughput.Min)
	assert.Equal(t, float64(15), agg.Throughput.Max)
	assert.InDelta(t, 34.0, agg.PacketLoss.Avg*3, 1e-9)
}

func TestAggregateEmpty(t *testing.T) {
	t.Parallel()

	s := NewStore(10)
	agg := s.Aggregate("alpha")
	assert.Equal(t, 0, agg.Count)
	assert.Equal(t, model.Aggregate{}, agg.Latency)
}
