package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"simulator/pkg/config"
	"simulator/pkg/logger"
	"simulator/pkg/metrics"
)

// Server объединяет HTTP API, gRPC health и сервер метрик
type Server struct {
	config      *config.Config
	serviceName string

	http    *http.Server
	metrics *http.Server
	grpc    *grpc.Server
	health  *health.Server

	mu        sync.Mutex
	listeners map[string]net.Addr
}

// New создаёт серверы; HTTP обслуживается с поддержкой h2c
func New(cfg *config.Config, handler http.Handler) *Server {
	s := &Server{
		config:      cfg,
		serviceName: cfg.App.Name,
		listeners:   make(map[string]net.Addr),
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
		},
		health: health.NewServer(),
	}

	if cfg.GRPC.Enabled {
		s.grpc = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		grpc_health_v1.RegisterHealthServer(s.grpc, s.health)

		if cfg.GRPC.Reflection || cfg.IsDevelopment() {
			reflection.Register(s.grpc)
			logger.Log.Debug("gRPC reflection enabled")
		}
	}

	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// До Run сервис не готов
	s.health.SetServingStatus(s.serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return s
}

// Health возвращает health сервер для ручного управления статусом
func (s *Server) Health() *health.Server {
	return s.health
}

// Handler возвращает обработчик HTTP API (с h2c)
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Addr возвращает адрес слушателя по имени (http, grpc, metrics)
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[name]
}

func (s *Server) listen(ctx context.Context, name string, port int) (net.Listener, error) {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen %s on port %d: %w", name, port, err)
	}

	s.mu.Lock()
	s.listeners[name] = lis.Addr()
	s.mu.Unlock()

	return lis, nil
}

// Run запускает все серверы и блокируется до отмены ctx или ошибки.
// Порты занимаются до старта любого Serve: при ошибке уже открытые
// listener'ы закрываются. Далее graceful shutdown с http.shutdown_timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	var opened []net.Listener
	listen := func(name string, port int) (net.Listener, error) {
		lis, err := s.listen(ctx, name, port)
		if err != nil {
			for _, l := range opened {
				_ = l.Close()
			}
			return nil, err
		}
		opened = append(opened, lis)
		return lis, nil
	}

	httpLis, err := listen("http", s.config.HTTP.Port)
	if err != nil {
		return err
	}

	var grpcLis, metricsLis net.Listener
	if s.grpc != nil {
		if grpcLis, err = listen("grpc", s.config.GRPC.Port); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		if metricsLis, err = listen("metrics", s.config.Metrics.Port); err != nil {
			return err
		}
	}

	go func() {
		logger.Log.Info("HTTP API listening",
			"addr", httpLis.Addr().String(),
			"protocol", "HTTP/1.1 + H2C",
		)
		if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if grpcLis != nil {
		go func() {
			logger.Log.Info("gRPC health listening", "addr", grpcLis.Addr().String())
			if err := s.grpc.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	if metricsLis != nil {
		go func() {
			logger.Log.Info("Metrics server listening",
				"addr", metricsLis.Addr().String(),
				"path", s.config.Metrics.Path,
			)
			if err := s.metrics.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	s.health.SetServingStatus(s.serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Log.Info("Shutdown requested", "reason", context.Cause(ctx))
	case runErr = <-errCh:
		logger.Log.Error("Server failed", "error", runErr)
	}

	timeout := s.config.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}

// Shutdown переводит health в NOT_SERVING и останавливает серверы
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}

	if s.grpc != nil {
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			logger.Log.Warn("Forcing gRPC server stop")
			s.grpc.Stop()
		}
	}

	if len(errs) == 0 {
		logger.Log.Info("Server stopped gracefully")
	}
	return errors.Join(errs...)
}
