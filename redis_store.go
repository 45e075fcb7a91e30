package lottery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore persists lotteries in Redis:
//
//	lottery:<id>:players    LIST  one entry per ticket
//	lottery:<id>:winners    HASH  account -> claim status
//	lottery:<id>:transfers  HASH  account -> transfer record JSON
//
// Multi-key writes go through MULTI/EXEC so a commit is all-or-nothing.
type RedisStore struct {
	redisClient    *redis.Client
	logger         Logger
	retryAttempts  int
	retryBaseDelay time.Duration
	monitor        *PerformanceMonitor
}

// NewRedisStore creates a Redis store with the default retry settings
func NewRedisStore(redisClient *redis.Client, logger Logger) *RedisStore {
	return NewRedisStoreWithRetry(redisClient, logger, DefaultRetryAttempts, DefaultRetryInterval)
}

// NewRedisStoreWithRetry creates a Redis store with custom retry settings
func NewRedisStoreWithRetry(redisClient *redis.Client, logger Logger, retryAttempts int, retryDelay time.Duration) *RedisStore {
	if logger == nil {
		logger = NewSilentLogger()
	}
	return &RedisStore{
		redisClient:    redisClient,
		logger:         logger,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryDelay,
		monitor:        NewPerformanceMonitor(),
	}
}

// SetPerformanceMonitor 设置性能监控器
func (s *RedisStore) SetPerformanceMonitor(monitor *PerformanceMonitor) {
	if monitor != nil {
		s.monitor = monitor
	}
}

func playersKey(lotteryID string) string   { return KeyPrefix + lotteryID + PlayersKeySuffix }
func winnersKey(lotteryID string) string   { return KeyPrefix + lotteryID + WinnersKeySuffix }
func transfersKey(lotteryID string) string { return KeyPrefix + lotteryID + TransfersKeySuffix }

// isRetriableRedisError checks if a Redis error is retriable. redis.Nil and
// transaction aborts are answers, not failures.
func isRetriableRedisError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		return false
	}
	return IsRetryableError(err)
}

// executeWithRetry executes a Redis operation with retry logic using exponential backoff
func (s *RedisStore) executeWithRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	startTime := time.Now()

	for attempt := 0; attempt <= s.retryAttempts; attempt++ {
		if attempt > 0 {
			// baseDelay * 2^(attempt-1), capped
			delay := time.Duration(1<<(attempt-1)) * s.retryBaseDelay
			if maxDelay := 5 * time.Second; delay > maxDelay {
				delay = maxDelay
			}

			s.logger.Debug("Retrying %s (attempt %d/%d) after %v, total elapsed: %v",
				operation, attempt, s.retryAttempts, delay, time.Since(startTime))

			if !sleepCtx(ctx, delay) {
				return fmt.Errorf("context cancelled during retry for %s after %v: %w",
					operation, time.Since(startTime), ctx.Err())
			}
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				s.logger.Info("Completed %s after %d retries (total time: %v)", operation, attempt, time.Since(startTime))
			}
			return nil
		}

		lastErr = err
		s.monitor.RecordRedisError()

		if !isRetriableRedisError(err) {
			s.logger.Debug("Non-retriable error for %s (attempt %d): %v", operation, attempt+1, err)
			break
		}
		if attempt == s.retryAttempts {
			s.logger.Error("Final retry attempt failed for %s (attempt %d/%d): %v",
				operation, attempt+1, s.retryAttempts+1, err)
		}
	}

	return ErrRedisConnectionFailed.WithOperation(operation).WithCause(lastErr)
}

// Load reads the player list and winner map
func (s *RedisStore) Load(ctx context.Context, lotteryID string) (*Snapshot, error) {
	var (
		players []string
		winners map[string]string
	)

	err := s.executeWithRetry(ctx, "load["+lotteryID+"]", func() error {
		var err error
		if players, err = s.redisClient.LRange(ctx, playersKey(lotteryID), 0, -1).Result(); err != nil {
			return err
		}
		winners, err = s.redisClient.HGetAll(ctx, winnersKey(lotteryID)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Players: make([]Account, 0, len(players)),
		Winners: make(map[Account]ClaimStatus, len(winners)),
	}
	for _, p := range players {
		snap.Players = append(snap.Players, Account(p))
	}
	for acc, st := range winners {
		status := ClaimStatus(st)
		if !status.Valid() {
			return nil, ErrStateCorrupted.WithDetails(fmt.Sprintf("winner %s has unknown status %q", acc, st))
		}
		snap.Winners[Account(acc)] = status
	}

	s.logger.Debug("Loaded lottery %s: players=%d, winners=%d", lotteryID, len(snap.Players), len(snap.Winners))
	return snap, nil
}

// AppendTickets appends entries with one RPUSH
func (s *RedisStore) AppendTickets(ctx context.Context, lotteryID string, accounts []Account) error {
	if len(accounts) == 0 {
		return nil
	}

	return s.executeWithRetry(ctx, "append["+lotteryID+"]", func() error {
		return s.redisClient.RPush(ctx, playersKey(lotteryID), accountArgs(accounts)...).Err()
	})
}

// CommitDraw rewrites the player list and marks the drawn accounts pending
// inside one transaction.
func (s *RedisStore) CommitDraw(ctx context.Context, lotteryID string, remaining, drawn []Account) error {
	winners := make([]any, 0, 2*len(drawn))
	for _, w := range drawn {
		winners = append(winners, string(w), string(ClaimPending))
	}

	// a failed EXEC applies nothing, so the transaction can be retried whole
	return s.executeWithRetry(ctx, "commit_draw["+lotteryID+"]", func() error {
		_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, playersKey(lotteryID))
			if len(remaining) > 0 {
				pipe.RPush(ctx, playersKey(lotteryID), accountArgs(remaining)...)
			}
			if len(winners) > 0 {
				pipe.HSet(ctx, winnersKey(lotteryID), winners...)
			}
			return nil
		})
		return err
	})
}

// CommitClaimState writes the winner status and the transfer record together
func (s *RedisStore) CommitClaimState(
	ctx context.Context, lotteryID string, account Account, status ClaimStatus, record *TransferRecord,
) error {
	if !status.Valid() {
		return ErrInvalidParameters.WithDetails("unknown claim status " + string(status))
	}

	var data []byte
	if record != nil {
		var err error
		if data, err = serializeTransferRecord(record); err != nil {
			return err
		}
	}

	return s.executeWithRetry(ctx, "commit_claim["+lotteryID+"]", func() error {
		_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, winnersKey(lotteryID), string(account), string(status))
			if data != nil {
				pipe.HSet(ctx, transfersKey(lotteryID), string(account), string(data))
			}
			return nil
		})
		return err
	})
}

// GetTransfer returns the record of account, or nil if none exists
func (s *RedisStore) GetTransfer(ctx context.Context, lotteryID string, account Account) (*TransferRecord, error) {
	var data []byte
	err := s.executeWithRetry(ctx, "get_transfer["+lotteryID+"]", func() error {
		var err error
		data, err = s.redisClient.HGet(ctx, transfersKey(lotteryID), string(account)).Bytes()
		if errors.Is(err, redis.Nil) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	return deserializeTransferRecord(data)
}

// ListTransfers returns every record ordered by recipient
func (s *RedisStore) ListTransfers(ctx context.Context, lotteryID string) ([]*TransferRecord, error) {
	var raw map[string]string
	err := s.executeWithRetry(ctx, "list_transfers["+lotteryID+"]", func() error {
		var err error
		raw, err = s.redisClient.HGetAll(ctx, transfersKey(lotteryID)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*TransferRecord, 0, len(raw))
	for acc, data := range raw {
		r, err := deserializeTransferRecord([]byte(data))
		if err != nil {
			s.logger.Error("Skipping corrupted transfer record of %s in lottery %s: %v", acc, lotteryID, err)
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *TransferRecord) int {
		switch {
		case a.Recipient < b.Recipient:
			return -1
		case a.Recipient > b.Recipient:
			return 1
		}
		return 0
	})

	return out, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		return ErrRedisConnectionFailed.WithCause(err)
	}
	return nil
}

func accountArgs(accounts []Account) []any {
	args := make([]any, len(accounts))
	for i, a := range accounts {
		args[i] = string(a)
	}
	return args
}
