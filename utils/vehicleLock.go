package utils

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/bsm/redislock"
)

var (
	ErrLockNotObtained = errors.New("lock not obtained")
	ErrLockNotHeld     = errors.New("lock not held")
)

// RetryPolicy bounds lock acquisition: Retries extra attempts, each after a delay drawn from [MinDelay, MaxDelay].
type RetryPolicy struct {
	Retries  int
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Lease is a held lock. Release is token-guarded: it only deletes the key if this lease still owns it.
type Lease interface {
	Key() string
	Token() string
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, policy RetryPolicy) (Lease, error)
}

// jitteredBackoff implements redislock.RetryStrategy.
type jitteredBackoff struct {
	remaining int
	min, max  time.Duration
	rnd       func(int64) int64
}

func (b *jitteredBackoff) NextBackoff() time.Duration {
	if b.remaining <= 0 {
		return 0
	}
	b.remaining--
	d := b.min
	if span := b.max - b.min; span > 0 {
		d += time.Duration(b.rnd(int64(span) + 1))
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (p RetryPolicy) strategy() redislock.RetryStrategy {
	if p.Retries <= 0 {
		return redislock.NoRetry()
	}
	return &jitteredBackoff{remaining: p.Retries, min: p.MinDelay, max: p.MaxDelay, rnd: rand.Int63n}
}

// RedisLocker is a lease-based distributed lock on top of redislock.
// An expired lease is released by Redis itself, so a crashed holder cannot deadlock a vehicle.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration, policy RetryPolicy) (Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: policy.strategy()})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockNotObtained
	}
	if err != nil {
		return nil, err
	}
	return &redisLease{lock: lock}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Key() string   { return l.lock.Key() }
func (l *redisLease) Token() string { return l.lock.Token() }

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrLockNotHeld
	}
	return err
}

// VehicleLockKey serializes calibration writes per (tenant, vehicle).
func VehicleLockKey(tenantId, vehicleId string) string {
	return "lock:mileage:" + tenantId + ":" + vehicleId
}
