package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter in-memory реализация rate limiter
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  *Config
	stopCh  chan struct{}
	closed  bool
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
	requests  []time.Time // для sliding window
}

// NewMemoryLimiter создаёт in-memory rate limiter
func NewMemoryLimiter(cfg *Config) *MemoryLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		config:  cfg,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	if cfg.CleanupInterval > 0 {
		go l.cleanup()
	}

	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, *LimitInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, nil, ErrLimiterClosed
	}

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:    float64(l.config.Requests + l.config.BurstSize),
			lastCheck: now,
		}
		l.buckets[key] = b
	}

	if l.config.Strategy == StrategyTokenBucket {
		return l.allowTokenBucket(b, now)
	}
	return l.allowSlidingWindow(b, now)
}

func (l *MemoryLimiter) allowTokenBucket(b *bucket, now time.Time) (bool, *LimitInfo, error) {
	rate := float64(l.config.Requests) / l.config.Window.Seconds()

	// Восполняем токены
	b.tokens += now.Sub(b.lastCheck).Seconds() * rate
	b.lastCheck = now

	maxTokens := float64(l.config.Requests + l.config.BurstSize)
	if b.tokens > maxTokens {
		b.tokens = maxTokens
	}

	info := &LimitInfo{Limit: l.config.Requests + l.config.BurstSize}

	if b.tokens >= 1 {
		b.tokens--
		info.Remaining = int(b.tokens)
		info.ResetAt = now.Add(time.Duration((maxTokens - b.tokens) / rate * float64(time.Second)))
		return true, info, nil
	}

	info.RetryAfter = time.Duration((1 - b.tokens) / rate * float64(time.Second))
	info.ResetAt = now.Add(info.RetryAfter)
	return false, info, nil
}

func (l *MemoryLimiter) allowSlidingWindow(b *bucket, now time.Time) (bool, *LimitInfo, error) {
	windowStart := now.Add(-l.config.Window)

	// Удаляем устаревшие запросы
	valid := b.requests[:0]
	for _, t := range b.requests {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	b.requests = valid
	b.lastCheck = now

	info := &LimitInfo{Limit: l.config.Requests}

	if len(b.requests) < l.config.Requests {
		b.requests = append(b.requests, now)
		info.Remaining = l.config.Requests - len(b.requests)
		info.ResetAt = b.requests[0].Add(l.config.Window)
		return true, info, nil
	}

	// Окно освободится, когда устареет самый старый запрос
	info.ResetAt = b.requests[0].Add(l.config.Window)
	info.RetryAfter = info.ResetAt.Sub(now)
	return false, info, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
	return nil
}

func (l *MemoryLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	close(l.stopCh)
	l.buckets = nil

	return nil
}

func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.doCleanup()
		}
	}
}

// doCleanup удаляет ключи без активности дольше двух окон
func (l *MemoryLimiter) doCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.config.Window * 2)
	for key, b := range l.buckets {
		if b.lastCheck.Before(threshold) {
			delete(l.buckets, key)
		}
	}
}
