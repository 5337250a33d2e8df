package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DelayedKey is the sorted set of jobs waiting for their due time. The score
// is the due time in unix milliseconds.
const DelayedKey = "jobs:delayed"

// claimDueScript removes and returns up to ARGV[2] members due at ARGV[1],
// atomically, so two pumps never move the same job.
const claimDueScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #due > 0 then
	redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`

// DelayedStore keeps jobs in Redis until they are due.
type DelayedStore struct {
	rdb   *redis.Client
	key   string
	claim *redis.Script
	log   *zap.Logger
}

// NewDelayedStore creates a delayed store on rdb.
func NewDelayedStore(rdb *redis.Client, log *zap.Logger) *DelayedStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &DelayedStore{rdb: rdb, key: DelayedKey, claim: redis.NewScript(claimDueScript), log: log}
}

// Add stores job until at.
func (s *DelayedStore) Add(ctx context.Context, job *Job, at time.Time) error {
	job.NotBefore = at
	data, err := job.marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal delayed job: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to store delayed job: %w", err)
	}
	return nil
}

// ClaimDue removes and returns up to limit jobs due at now. Members that no
// longer decode are dropped with a log line.
func (s *DelayedStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	raw, err := s.claim.Run(ctx, s.rdb, []string{s.key}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim delayed jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(raw))
	for _, member := range raw {
		job, err := unmarshalJob([]byte(member))
		if err != nil {
			s.log.Error("Dropping unreadable delayed job", zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Len returns the number of waiting jobs.
func (s *DelayedStore) Len(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, s.key).Result()
}
