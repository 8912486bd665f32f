package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"simulator/pkg/config"
)

// Стандартные ошибки
var (
	ErrLimiterClosed = errors.New("limiter is closed")
)

// Стратегии
const (
	StrategySlidingWindow = "sliding_window"
	StrategyTokenBucket   = "token_bucket"
)

// Limiter интерфейс ограничителя запросов
type Limiter interface {
	// Allow проверяет, разрешён ли запрос, и возвращает состояние лимита
	Allow(ctx context.Context, key string) (bool, *LimitInfo, error)

	// Reset сбрасывает лимит для ключа
	Reset(ctx context.Context, key string) error

	// Close закрывает лимитер
	Close() error
}

// LimitInfo информация о состоянии лимита
type LimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Config конфигурация rate limiter
type Config struct {
	Requests        int
	Window          time.Duration
	Strategy        string // sliding_window, token_bucket
	Backend         string // memory, redis
	BurstSize       int
	CleanupInterval time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	KeyPrefix       string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Requests:        100,
		Window:          time.Minute,
		Strategy:        StrategySlidingWindow,
		Backend:         "memory",
		BurstSize:       10,
		CleanupInterval: 5 * time.Minute,
		KeyPrefix:       "simulator:ratelimit:",
	}
}

// FromConfig переносит настройки сервиса в конфигурацию лимитера
func FromConfig(cfg *config.RateLimitConfig) *Config {
	c := DefaultConfig()
	if cfg.Requests > 0 {
		c.Requests = cfg.Requests
	}
	if cfg.Window > 0 {
		c.Window = cfg.Window
	}
	if cfg.Strategy != "" {
		c.Strategy = cfg.Strategy
	}
	if cfg.Backend != "" {
		c.Backend = cfg.Backend
	}
	if cfg.CleanupInterval > 0 {
		c.CleanupInterval = cfg.CleanupInterval
	}
	c.BurstSize = cfg.BurstSize
	c.RedisAddr = cfg.RedisAddr
	c.RedisPassword = cfg.RedisPassword
	c.RedisDB = cfg.RedisDB
	return c
}

// New создаёт лимитер на основе конфигурации
func New(cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case "redis":
		return NewRedisLimiter(cfg)
	case "memory", "":
		return NewMemoryLimiter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", cfg.Backend)
	}
}

// KeyFunc извлекает ключ лимита из запроса
type KeyFunc func(r *http.Request) string

// ClientIP извлекает адрес клиента с учётом прокси
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// PrincipalKey ключ по владельцу, для анонимных - по IP
func PrincipalKey(principal func(r *http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		if p := principal(r); p != "" {
			return "owner:" + p
		}
		return "ip:" + ClientIP(r)
	}
}
