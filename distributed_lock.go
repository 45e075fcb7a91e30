package lottery

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Distributed Lock Implementation Strategy:
// - Lock Acquisition: Use Redis SET NX for optimal performance (single network call)
// - Lock Release: Use Lua script for safety (ensures only lock owner can release)

// releaseLockScript ensures only the lock owner can release the lock, so a
// holder whose lock expired cannot delete the lock of the next holder.
const releaseLockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`

// DistributedLockManager manages Redis distributed locks
type DistributedLockManager struct {
	redisClient   *redis.Client
	retryAttempts int
	retryInterval time.Duration

	performanceMonitor *PerformanceMonitor
}

// NewLockManager creates a new distributed lock manager
func NewLockManager(redisClient *redis.Client) *DistributedLockManager {
	return NewLockManagerWithRetry(redisClient, DefaultRetryAttempts, DefaultRetryInterval)
}

// NewLockManagerWithRetry creates a new distributed lock manager with custom retry settings
func NewLockManagerWithRetry(redisClient *redis.Client, retryAttempts int, retryInterval time.Duration) *DistributedLockManager {
	return &DistributedLockManager{
		redisClient:   redisClient,
		retryAttempts: retryAttempts,
		retryInterval: retryInterval,

		performanceMonitor: NewPerformanceMonitor(),
	}
}

// AcquireLock attempts to acquire a distributed lock using SET NX, retrying
// retryAttempts times while another holder owns it.
func (m *DistributedLockManager) AcquireLock(ctx context.Context, lockKey, lockValue string, expireTime time.Duration) (bool, error) {
	if lockKey == "" || lockValue == "" {
		return false, ErrInvalidParameters
	}
	if expireTime <= 0 {
		expireTime = DefaultLockExpiration
	}

	fullLockKey := LockKeyPrefix + lockKey
	start := time.Now()

	for attempt := 0; attempt <= m.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			m.performanceMonitor.RecordLockAcquisition(false, time.Since(start))
			return false, err
		}

		acquired, err := m.redisClient.SetNX(ctx, fullLockKey, lockValue, expireTime).Result()
		if err != nil {
			m.performanceMonitor.RecordRedisError()
			if attempt == m.retryAttempts {
				m.performanceMonitor.RecordLockAcquisition(false, time.Since(start))
				return false, ErrRedisConnectionFailed.WithCause(err)
			}
		} else if acquired {
			m.performanceMonitor.RecordLockAcquisition(true, time.Since(start))
			return true, nil
		}

		if attempt < m.retryAttempts {
			if !sleepCtx(ctx, m.retryInterval) {
				m.performanceMonitor.RecordLockAcquisition(false, time.Since(start))
				return false, ctx.Err()
			}
		}
	}

	m.performanceMonitor.RecordLockAcquisition(false, time.Since(start))
	return false, ErrLockAcquisitionFailed
}

// ReleaseLock deletes the lock only if lockValue still owns it
func (m *DistributedLockManager) ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error) {
	if lockKey == "" || lockValue == "" {
		return false, ErrInvalidParameters
	}

	fullLockKey := LockKeyPrefix + lockKey

	for attempt := 0; attempt <= m.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		result, err := m.redisClient.Eval(ctx, releaseLockScript, []string{fullLockKey}, lockValue).Int64()
		if err != nil {
			m.performanceMonitor.RecordRedisError()
			if attempt == m.retryAttempts {
				return false, ErrRedisConnectionFailed.WithCause(err)
			}
			if !sleepCtx(ctx, m.retryInterval) {
				return false, ctx.Err()
			}
			continue
		}

		// 0: lock expired or owned by someone else, nothing to retry
		if result == 1 {
			m.performanceMonitor.RecordLockRelease()
			return true, nil
		}
		return false, nil
	}

	return false, ErrRedisConnectionFailed
}

// SetPerformanceMonitor 设置性能监控器
func (m *DistributedLockManager) SetPerformanceMonitor(monitor *PerformanceMonitor) {
	if monitor != nil {
		m.performanceMonitor = monitor
	}
}

// ================================================================================

// LocalLockManager is an in-process Locker with the same owner and expiry
// semantics as DistributedLockManager. Used by the memory backend.
type LocalLockManager struct {
	mu            sync.Mutex
	locks         map[string]localLock
	retryAttempts int
	retryInterval time.Duration
	now           func() time.Time
}

type localLock struct {
	value   string
	expires time.Time
}

// NewLocalLockManager 创建进程内锁管理器
func NewLocalLockManager(retryAttempts int, retryInterval time.Duration) *LocalLockManager {
	return &LocalLockManager{
		locks:         make(map[string]localLock),
		retryAttempts: retryAttempts,
		retryInterval: retryInterval,
		now:           time.Now,
	}
}

// AcquireLock acquires lockKey for lockValue, retrying while it is held
func (m *LocalLockManager) AcquireLock(ctx context.Context, lockKey, lockValue string, expireTime time.Duration) (bool, error) {
	if lockKey == "" || lockValue == "" {
		return false, ErrInvalidParameters
	}
	if expireTime <= 0 {
		expireTime = DefaultLockExpiration
	}

	for attempt := 0; attempt <= m.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if m.tryAcquire(lockKey, lockValue, expireTime) {
			return true, nil
		}
		if attempt < m.retryAttempts && !sleepCtx(ctx, m.retryInterval) {
			return false, ctx.Err()
		}
	}

	return false, ErrLockAcquisitionFailed
}

func (m *LocalLockManager) tryAcquire(lockKey, lockValue string, expireTime time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.locks[lockKey]; ok && now.Before(held.expires) {
		return false
	}
	m.locks[lockKey] = localLock{value: lockValue, expires: now.Add(expireTime)}
	return true
}

// ReleaseLock releases lockKey if lockValue still owns it
func (m *LocalLockManager) ReleaseLock(_ context.Context, lockKey, lockValue string) (bool, error) {
	if lockKey == "" || lockValue == "" {
		return false, ErrInvalidParameters
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.locks[lockKey]
	if !ok || held.value != lockValue || !m.now().Before(held.expires) {
		return false, nil
	}
	delete(m.locks, lockKey)
	return true, nil
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
