// Package metrics publishes per-service counters to Redis so any service can read
// the health of the whole deployment.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// KeyPrefix is the Redis key prefix for service metrics.
	KeyPrefix = "metrics:"
	// TTL is how long a snapshot stays in Redis if not refreshed.
	TTL = 2 * time.Minute
	// DefaultReportInterval is the default interval for writing snapshots.
	DefaultReportInterval = 30 * time.Second
)

// ServiceNames lists the services that report snapshots.
var ServiceNames = []string{
	"ingest-api",
	"alert-worker",
	"attention-sweeper",
}

// ErrNoMetrics is returned when a service has no snapshot in Redis.
var ErrNoMetrics = errors.New("no metrics found")

// ServiceMetrics is the snapshot a service writes to Redis.
type ServiceMetrics struct {
	ServiceName string    `json:"service_name"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"` // healthy or stale

	JobsReceived     uint64 `json:"jobs_received"`
	JobsProcessed    uint64 `json:"jobs_processed"`
	JobsPublished    uint64 `json:"jobs_published"`
	ProcessingErrors uint64 `json:"processing_errors"`

	JobsPerSecond          float64 `json:"jobs_per_second"`
	AvgProcessingLatencyNs float64 `json:"avg_processing_latency_ns"`

	CustomCounters map[string]uint64 `json:"custom_counters,omitempty"`
}

// Collector accumulates counters in memory and periodically writes a snapshot to Redis.
type Collector struct {
	serviceName    string
	redis          *redis.Client
	log            *zap.Logger
	startedAt      time.Time
	reportInterval time.Duration

	jobsReceived     atomic.Uint64
	jobsProcessed    atomic.Uint64
	jobsPublished    atomic.Uint64
	processingErrors atomic.Uint64

	totalLatencyNs atomic.Uint64
	latencyCount   atomic.Uint64

	rateMu             sync.Mutex
	lastReportTime     time.Time
	lastProcessedCount uint64

	customMu       sync.RWMutex
	customCounters map[string]*atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector for serviceName. A nil Redis client keeps
// counters in memory only.
func NewCollector(serviceName string, redisClient *redis.Client, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now().UTC()
	return &Collector{
		serviceName:    serviceName,
		redis:          redisClient,
		log:            log,
		startedAt:      now,
		reportInterval: DefaultReportInterval,
		lastReportTime: now,
		customCounters: make(map[string]*atomic.Uint64),
		stopCh:         make(chan struct{}),
	}
}

// SetReportInterval sets the interval for writing snapshots.
func (c *Collector) SetReportInterval(interval time.Duration) {
	c.reportInterval = interval
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.Flush(context.Background())
				return
			case <-c.stopCh:
				c.Flush(context.Background())
				return
			case <-ticker.C:
				c.Flush(ctx)
			}
		}
	}()
}

// Stop stops reporting and waits for the final write.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// RecordReceived counts a job taken off a queue.
func (c *Collector) RecordReceived() {
	c.jobsReceived.Add(1)
}

// RecordProcessed counts a handled job and its latency.
func (c *Collector) RecordProcessed(latency time.Duration) {
	c.jobsProcessed.Add(1)
	c.totalLatencyNs.Add(uint64(latency.Nanoseconds()))
	c.latencyCount.Add(1)
}

// RecordPublished counts a job or event written to a queue.
func (c *Collector) RecordPublished() {
	c.jobsPublished.Add(1)
}

// RecordError counts a processing error.
func (c *Collector) RecordError() {
	c.processingErrors.Add(1)
}

// IncrementCustom increments a named counter.
func (c *Collector) IncrementCustom(name string) {
	c.AddCustom(name, 1)
}

// AddCustom adds value to a named counter.
func (c *Collector) AddCustom(name string, value uint64) {
	c.customMu.RLock()
	counter, exists := c.customCounters[name]
	c.customMu.RUnlock()

	if !exists {
		c.customMu.Lock()
		if counter, exists = c.customCounters[name]; !exists {
			counter = &atomic.Uint64{}
			c.customCounters[name] = counter
		}
		c.customMu.Unlock()
	}
	counter.Add(value)
}

// Snapshot returns the current counters without writing them.
func (c *Collector) Snapshot() *ServiceMetrics {
	now := time.Now().UTC()
	processed := c.jobsProcessed.Load()

	c.rateMu.Lock()
	elapsed := now.Sub(c.lastReportTime).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(processed-c.lastProcessedCount) / elapsed
	}
	c.rateMu.Unlock()

	var avgLatencyNs float64
	if n := c.latencyCount.Load(); n > 0 {
		avgLatencyNs = float64(c.totalLatencyNs.Load()) / float64(n)
	}

	c.customMu.RLock()
	custom := make(map[string]uint64, len(c.customCounters))
	for name, counter := range c.customCounters {
		custom[name] = counter.Load()
	}
	c.customMu.RUnlock()

	return &ServiceMetrics{
		ServiceName:            c.serviceName,
		StartedAt:              c.startedAt,
		LastUpdated:            now,
		Status:                 "healthy",
		JobsReceived:           c.jobsReceived.Load(),
		JobsProcessed:          processed,
		JobsPublished:          c.jobsPublished.Load(),
		ProcessingErrors:       c.processingErrors.Load(),
		JobsPerSecond:          rate,
		AvgProcessingLatencyNs: avgLatencyNs,
		CustomCounters:         custom,
	}
}

// Flush writes the current snapshot to Redis.
func (c *Collector) Flush(ctx context.Context) {
	if c.redis == nil {
		return
	}

	snap := c.Snapshot()

	c.rateMu.Lock()
	c.lastReportTime = snap.LastUpdated
	c.lastProcessedCount = snap.JobsProcessed
	c.rateMu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		c.log.Error("Failed to marshal metrics", zap.String("service", c.serviceName), zap.Error(err))
		return
	}

	key := KeyPrefix + c.serviceName
	if err := c.redis.Set(ctx, key, data, TTL).Err(); err != nil {
		c.log.Error("Failed to write metrics to Redis", zap.String("service", c.serviceName), zap.Error(err))
		return
	}
	c.log.Debug("Metrics written to Redis", zap.String("key", key))
}

// Reader reads service snapshots from Redis.
type Reader struct {
	redis *redis.Client
	now   func() time.Time
}

// NewReader creates a new metrics reader.
func NewReader(redisClient *redis.Client) *Reader {
	return &Reader{redis: redisClient, now: time.Now}
}

// GetServiceMetrics retrieves the snapshot for one service. Snapshots older
// than TTL are reported as stale.
func (r *Reader) GetServiceMetrics(ctx context.Context, serviceName string) (*ServiceMetrics, error) {
	data, err := r.redis.Get(ctx, KeyPrefix+serviceName).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w for service: %s", ErrNoMetrics, serviceName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}

	var m ServiceMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if r.now().Sub(m.LastUpdated) > TTL {
		m.Status = "stale"
	}
	return &m, nil
}

// GetAllServiceMetrics retrieves snapshots for every reporting service.
func (r *Reader) GetAllServiceMetrics(ctx context.Context) (map[string]*ServiceMetrics, error) {
	result := make(map[string]*ServiceMetrics)
	iter := r.redis.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		name := iter.Val()[len(KeyPrefix):]
		m, err := r.GetServiceMetrics(ctx, name)
		if err != nil {
			continue
		}
		result[name] = m
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list metrics keys: %w", err)
	}
	return result, nil
}
