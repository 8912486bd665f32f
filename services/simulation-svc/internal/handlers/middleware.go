package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"simulator/pkg/audit"
	"simulator/pkg/config"
	"simulator/pkg/logger"
	"simulator/pkg/metrics"
	"simulator/pkg/ratelimit"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID принимает X-Request-ID клиента или генерирует UUID.
// Идентификатор попадает в логгер запроса и в аудит.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = logger.IntoContext(ctx, logger.WithRequestID(id))
		ctx = audit.WithRequest(ctx, audit.RequestInfo{
			RequestID: id,
			ClientIP:  ratelimit.ClientIP(r),
		})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recoverer превращает панику обработчика в 500
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.FromContext(r.Context()).Error("Handler panic",
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging логирует завершённые запросы
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		logFields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"route", RoutePattern(r),
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		}

		log := logger.FromContext(r.Context())
		if status >= http.StatusInternalServerError {
			log.Error("HTTP request failed", logFields...)
		} else {
			log.Info("HTTP request completed", logFields...)
		}
	})
}

// Metrics записывает Prometheus метрики запросов
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	tracker := metrics.NewRequestTracker(m.HTTPRequestsInFlight)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			tracker.Start(r.Method)
			defer tracker.End(r.Method)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			route := RoutePattern(r)
			if route == "" {
				route = "unmatched"
			}
			m.RecordHTTPRequest(r.Method, route, status, time.Since(start))
		})
	}
}

// RateLimit ограничивает запросы по ключу; при отказе 429 с Retry-After
func RateLimit(l ratelimit.Limiter, key ratelimit.KeyFunc, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, info, err := l.Allow(r.Context(), key(r))
			if err != nil {
				// Недоступный лимитер не должен блокировать API
				logger.FromContext(r.Context()).Warn("Rate limiter error", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if info != nil {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			}

			if !allowed {
				if m != nil {
					m.RecordRateLimited()
				}
				var retry time.Duration
				if info != nil {
					retry = info.RetryAfter
				}
				writeRateLimited(w, r, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORS добавляет заголовки CORS и отвечает на preflight
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowedHeaders := prepareAllowedHeaders(cfg.AllowedHeaders)
	allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
	exposedHeaders := strings.Join(cfg.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowedOrigin := ""
			for _, o := range cfg.AllowedOrigins {
				if o == "*" {
					allowedOrigin = "*"
					break
				}
				if o == origin {
					allowedOrigin = origin
					break
				}
			}

			if allowedOrigin != "" {
				// С credentials браузер не принимает "*"
				if allowedOrigin == "*" && cfg.AllowCredentials && origin != "" {
					allowedOrigin = origin
				}
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				if allowedOrigin != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}

			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

			if exposedHeaders != "" {
				w.Header().Set("Access-Control-Expose-Headers", exposedHeaders)
			}

			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			// Preflight
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// prepareAllowedHeaders раскрывает wildcard и добавляет Authorization
func prepareAllowedHeaders(headers []string) string {
	for _, h := range headers {
		if h == "*" {
			return strings.Join([]string{
				"Accept",
				"Accept-Language",
				"Content-Language",
				"Content-Type",
				"Authorization",
				"Origin",
				"X-Requested-With",
				requestIDHeader,
			}, ", ")
		}
	}

	hasAuth := false
	for _, h := range headers {
		if strings.EqualFold(h, "Authorization") {
			hasAuth = true
			break
		}
	}

	if !hasAuth {
		headers = append(slices.Clone(headers), "Authorization")
	}

	return strings.Join(headers, ", ")
}
