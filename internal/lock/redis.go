package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"usage_ledger/internal/utils"
)

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisLocker
type RedisConfig struct {
	KeyPrefix string

	// TTL bounds how long a crashed holder can keep a key locked
	TTL time.Duration

	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// DefaultRedisConfig returns default lock settings
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix:        "ledger:lock:",
		TTL:              30 * time.Second,
		RetryInterval:    10 * time.Millisecond,
		MaxRetryInterval: 250 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared between processes through Redis
type RedisLocker struct {
	client *redis.Client
	config RedisConfig
	logger *utils.Logger
}

// NewRedisLocker creates a locker on an existing client
func NewRedisLocker(client *redis.Client, config RedisConfig) *RedisLocker {
	def := DefaultRedisConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	if config.MaxRetryInterval < config.RetryInterval {
		config.MaxRetryInterval = config.RetryInterval
	}
	return &RedisLocker{
		client: client,
		config: config,
		logger: utils.NewLogger("lock"),
	}
}

// Acquire polls SET NX PX with exponential backoff until it wins or ctx is done
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.config.KeyPrefix + key
	token := uuid.NewString()
	wait := l.config.RetryInterval

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
		wait *= 2
		if wait > l.config.MaxRetryInterval {
			wait = l.config.MaxRetryInterval
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, nil
}

func (l *RedisLocker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
		// The TTL still frees the key eventually
		l.logger.Warn("Failed to release lock", "key", redisKey, "error", err)
	}
}
