package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"simulator/pkg/audit"
	"simulator/pkg/config"
	"simulator/pkg/metrics"
	"simulator/pkg/ratelimit"
)

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequestID(t *testing.T) {
	var seen audit.RequestInfo
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestFromContext(r.Context())
		assert.Equal(t, seen.RequestID, requestIDFromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.1.1.1, 10.0.0.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.NotEmpty(t, seen.RequestID)
	assert.Equal(t, seen.RequestID, w.Header().Get(requestIDHeader))
	assert.Equal(t, "10.1.1.1", seen.ClientIP)
}

func TestRequestID_TooLongReplaced(t *testing.T) {
	h := RequestID(http.HandlerFunc(ok))

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, string(long))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Len(t, w.Header().Get(requestIDHeader), 36)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(&ratelimit.Config{
		Requests: 1,
		Window:   time.Minute,
		Strategy: ratelimit.StrategySlidingWindow,
	})
	t.Cleanup(func() { _ = limiter.Close() })

	key := func(r *http.Request) string { return r.Header.Get("X-Client") }
	h := RequestID(RateLimit(limiter, key, nil)(http.HandlerFunc(ok)))

	send := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/simulations", nil)
		req.Header.Set("X-Client", client)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := send("a")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = send("a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// другой клиент не затронут
	w = send("b")
	assert.Equal(t, http.StatusOK, w.Code)
}

type failingLimiter struct{}

func (f *failingLimiter) Allow(context.Context, string) (bool, *ratelimit.LimitInfo, error) {
	return false, nil, errors.New("redis: connection refused")
}
func (f *failingLimiter) Reset(context.Context, string) error { return nil }
func (f *failingLimiter) Close() error                         { return nil }

func TestRateLimit_FailOpen(t *testing.T) {
	h := RateLimit(&failingLimiter{}, ratelimit.ClientIP, nil)(http.HandlerFunc(ok))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_RouterPerOwner(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(&ratelimit.Config{
		Requests: 1,
		Window:   time.Minute,
		Strategy: ratelimit.StrategySlidingWindow,
	})
	t.Cleanup(func() { _ = limiter.Close() })

	svc := &MockService{}
	svc.On("GetCurrent", mock.Anything).Return(nil)

	cfg := testConfig()
	h := NewRouter(NewHandler(svc, cfg), RouterOptions{Config: cfg, RateLimiter: limiter})

	w := do(t, h, http.MethodGet, "/simulations/current", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, "/simulations/current", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// health не лимитируется
	w = do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"https://ui.example"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           600,
	}
	called := false
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("preflight", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodOptions, "/simulations", nil)
		req.Header.Set("Origin", "https://ui.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.False(t, called)
		assert.Equal(t, "https://ui.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Content-Type, Authorization", w.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})

	t.Run("simple request", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/simulations", nil)
		req.Header.Set("Origin", "https://ui.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.True(t, called)
		assert.Equal(t, requestIDHeader, w.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("unknown origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/simulations", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCORS_WildcardWithCredentials(t *testing.T) {
	h := CORS(config.CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})(http.HandlerFunc(ok))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://any.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "https://any.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestPrepareAllowedHeaders_DoesNotMutateInput(t *testing.T) {
	in := make([]string, 1, 4)
	in[0] = "Content-Type"

	assert.Equal(t, "Content-Type, Authorization", prepareAllowedHeaders(in))
	assert.Equal(t, "", in[:2][1])
}

func TestMetricsMiddleware(t *testing.T) {
	orig := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	t.Cleanup(func() { prometheus.DefaultRegisterer = orig })

	m := metrics.InitMetrics("test", "handlers")

	svc := &MockService{}
	svc.On("GetCurrent", "").Return(nil)

	cfg := testConfig()
	h := NewRouter(NewHandler(svc, cfg), RouterOptions{Config: cfg, Metrics: m})

	do(t, h, http.MethodGet, "/simulations/current", "", "")
	do(t, h, http.MethodGet, "/missing", "", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/simulations/current", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
}

func TestDocsRoutes(t *testing.T) {
	svc := &MockService{}
	cfg := testConfig()
	h := NewRouter(NewHandler(svc, cfg), RouterOptions{Config: cfg, Docs: []byte(`{"openapi":"3.0.3"}`)})

	w := do(t, h, http.MethodGet, "/swagger", "", "")
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/swagger/", w.Header().Get("Location"))

	w = do(t, h, http.MethodGet, "/swagger/openapi.json", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"openapi":"3.0.3"}`, w.Body.String())

	// без документа маршрут не зарегистрирован
	h = NewRouter(NewHandler(svc, cfg), RouterOptions{Config: cfg})
	w = do(t, h, http.MethodGet, "/swagger/openapi.json", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
