package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/listing_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const allocationLockTTL = 30 * time.Second

// AllocationLocker serializes the pick-then-grant critical section per key.
type AllocationLocker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

func allocationLockKey(channel, productCode string) string {
	return fmt.Sprintf("allocation:%s:%s", channel, productCode)
}

// NewAllocationLocker picks the locker for mode, falling back to an in-process lock when the
// requested backend is not available.
func NewAllocationLocker(mode string, db *gorm.DB, logger *logrus.Logger) AllocationLocker {
	switch mode {
	case config.AllocationLockNone:
		return NoopLocker{}
	case config.AllocationLockRedis:
		if l := config.GetRedisLock(); l != nil {
			return &RedisLocker{client: l}
		}
		config.LogWarn(logger, "allocationLock.go", "NewAllocationLocker", "redis lock not initialized, using local lock", nil, "fallback")
	case config.AllocationLockDB:
		if db != nil && db.Dialector.Name() == config.DriverMySQL {
			return &MySQLLocker{db: db}
		}
		config.LogWarn(logger, "allocationLock.go", "NewAllocationLocker", "GET_LOCK needs mysql, using local lock", nil, "fallback")
	}
	return NewLocalLocker()
}

type NoopLocker struct{}

func (NoopLocker) Lock(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

// RedisLocker holds a redislock lease for the critical section.
type RedisLocker struct {
	client *redislock.Client
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, allocationLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 100),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	} else if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}

// MySQLLocker uses MySQL advisory locks.
// GET_LOCK is connection-scoped, so the lock pins one pooled connection until release.
type MySQLLocker struct {
	db *gorm.DB
}

func (l *MySQLLocker) Lock(ctx context.Context, key string) (func(), error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var ok int
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 30)", key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ok != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	return func() {
		var _ok int
		_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", key).Scan(&_ok)
		_ = conn.Close()
	}, nil
}

// LocalLocker is a per-key mutex for single-process deployments.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*localLock{}}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ll := l.locks[key]
	if ll == nil {
		ll = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = ll
	}
	ll.refs++
	l.mu.Unlock()

	select {
	case ll.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, ll)
		return nil, ctx.Err()
	}
	return func() {
		<-ll.ch
		l.unref(key, ll)
	}, nil
}

func (l *LocalLocker) unref(key string, ll *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ll.refs--
	if ll.refs == 0 {
		delete(l.locks, key)
	}
}
