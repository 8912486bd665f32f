package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript атомарно чистит окно, проверяет лимит и добавляет запрос.
// Возвращает {allowed, remaining, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

	local current = redis.call('ZCARD', key)
	local allowed = 0
	if current < limit then
		redis.call('ZADD', key, now, member)
		current = current + 1
		allowed = 1
	end
	redis.call('PEXPIRE', key, window)

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local oldestScore = now
	if oldest[2] then
		oldestScore = tonumber(oldest[2])
	end

	return {allowed, limit - current, oldestScore}
`)

// RedisLimiter распределённый sliding window поверх Redis
type RedisLimiter struct {
	client *redis.Client
	config *Config
	seq    func() string
}

// NewRedisLimiter подключается к Redis и создаёт лимитер
func NewRedisLimiter(cfg *Config) (*RedisLimiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisLimiterWithClient(client, cfg), nil
}

// NewRedisLimiterWithClient создаёт лимитер поверх готового клиента
func NewRedisLimiterWithClient(client *redis.Client, cfg *Config) *RedisLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RedisLimiter{
		client: client,
		config: cfg,
		seq:    func() string { return fmt.Sprintf("%d", time.Now().UnixNano()) },
	}
}

func (l *RedisLimiter) key(key string) string {
	return l.config.KeyPrefix + key
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, *LimitInfo, error) {
	now := time.Now()
	window := l.config.Window.Milliseconds()

	result, err := slidingWindowScript.Run(ctx, l.client, []string{l.key(key)},
		l.config.Requests, window, now.UnixMilli(), l.seq()).Int64Slice()
	if err != nil {
		return false, nil, fmt.Errorf("redis script error: %w", err)
	}
	if len(result) != 3 {
		return false, nil, fmt.Errorf("unexpected redis script result: %v", result)
	}

	info := &LimitInfo{
		Limit:     l.config.Requests,
		Remaining: int(max(result[1], 0)),
		ResetAt:   time.UnixMilli(result[2]).Add(l.config.Window),
	}

	allowed := result[0] == 1
	if !allowed {
		info.RetryAfter = max(info.ResetAt.Sub(now), 0)
	}

	return allowed, info, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
