package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestCollector_Snapshot(t *testing.T) {
	c := NewCollector("alert-worker", nil, nil)
	c.RecordReceived()
	c.RecordReceived()
	c.RecordProcessed(10 * time.Millisecond)
	c.RecordProcessed(30 * time.Millisecond)
	c.RecordPublished()
	c.RecordError()
	c.IncrementCustom("lane_ai-processing")
	c.AddCustom("lane_ai-processing", 2)

	snap := c.Snapshot()
	assert.Equal(t, "alert-worker", snap.ServiceName)
	assert.Equal(t, uint64(2), snap.JobsReceived)
	assert.Equal(t, uint64(2), snap.JobsProcessed)
	assert.Equal(t, uint64(1), snap.JobsPublished)
	assert.Equal(t, uint64(1), snap.ProcessingErrors)
	assert.Equal(t, float64(20*time.Millisecond), snap.AvgProcessingLatencyNs)
	assert.Equal(t, uint64(3), snap.CustomCounters["lane_ai-processing"])
}

func TestCollector_FlushAndRead(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	c := NewCollector("attention-sweeper", client, nil)
	c.IncrementCustom("escalations")
	c.Flush(ctx)

	assert.True(t, mr.Exists(KeyPrefix+"attention-sweeper"))
	ttl := mr.TTL(KeyPrefix + "attention-sweeper")
	assert.Equal(t, TTL, ttl)

	r := NewReader(client)
	got, err := r.GetServiceMetrics(ctx, "attention-sweeper")
	require.NoError(t, err)
	assert.Equal(t, "healthy", got.Status)
	assert.Equal(t, uint64(1), got.CustomCounters["escalations"])

	all, err := r.GetAllServiceMetrics(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReader_MissingAndStale(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	r := NewReader(client)

	_, err := r.GetServiceMetrics(ctx, "ingest-api")
	assert.True(t, errors.Is(err, ErrNoMetrics))

	c := NewCollector("ingest-api", client, nil)
	c.Flush(ctx)
	r.now = func() time.Time { return time.Now().Add(TTL + time.Minute) }
	got, err := r.GetServiceMetrics(ctx, "ingest-api")
	require.NoError(t, err)
	assert.Equal(t, "stale", got.Status)
}

func TestCollector_StartStop(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewCollector("alert-worker", client, nil)
	c.SetReportInterval(time.Hour)

	c.Start(context.Background())
	c.Stop()
	c.Stop()

	assert.True(t, mr.Exists(KeyPrefix+"alert-worker"), "final flush on stop")
}
