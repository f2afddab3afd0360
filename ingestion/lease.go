package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

// Lease is held by the single run allowed to paginate a source.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type Leaser interface {
	Acquire(ctx context.Context, sourceId uint) (Lease, error)
}

type redisLeaser struct {
	locker func() *redislock.Client
	ttl    time.Duration
}

func NewRedisLeaser(locker func() *redislock.Client, ttl time.Duration) Leaser {
	return &redisLeaser{locker: locker, ttl: ttl}
}

func leaseKey(sourceId uint) string {
	return fmt.Sprintf("IngestionLease:%d", sourceId)
}

func (l *redisLeaser) Acquire(ctx context.Context, sourceId uint) (Lease, error) {
	locker := l.locker()
	if locker == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := locker.Obtain(ctx, leaseKey(sourceId), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("source %d: %w", sourceId, utils.ErrLeaseNotObtained)
	}
	if err != nil {
		return nil, err
	}
	return &redisLease{lock: lock, ttl: l.ttl}, nil
}

type redisLease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	return l.lock.Refresh(ctx, l.ttl, nil)
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
