package ingestion

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProgressStore keeps run progress outside the process so any instance can answer for it.
type ProgressStore interface {
	Set(ctx context.Context, p Progress) error
	Get(ctx context.Context, batchId string) (*Progress, error)
}

const progressTTL = 7 * 24 * time.Hour

type redisProgressStore struct {
	client func() *redis.Client
}

// NewRedisProgressStore looks the client up per call; it may be nil until redis is connected.
func NewRedisProgressStore(client func() *redis.Client) ProgressStore {
	return &redisProgressStore{client: client}
}

func progressKey(batchId string) string {
	return "IngestionProgress:" + batchId
}

func (s *redisProgressStore) Set(ctx context.Context, p Progress) error {
	rdb := s.client()
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	key := progressKey(p.BatchId)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"state":      p.State,
		"processed":  p.Processed,
		"total":      p.Total,
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, progressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns nil without error when nothing is recorded for the batch.
func (s *redisProgressStore) Get(ctx context.Context, batchId string) (*Progress, error) {
	rdb := s.client()
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	vals, err := rdb.HGetAll(ctx, progressKey(batchId)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := &Progress{BatchId: batchId, State: vals["state"]}
	p.Processed, _ = strconv.Atoi(vals["processed"])
	p.Total, _ = strconv.Atoi(vals["total"])
	if t, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		p.UpdatedAt = t
	}
	return p, nil
}
