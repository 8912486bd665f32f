package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"simulator/gen/openapi"
	"simulator/pkg/audit"
	"simulator/pkg/auth"
	"simulator/pkg/config"
	"simulator/pkg/logger"
	"simulator/pkg/metrics"
	"simulator/pkg/ratelimit"
	"simulator/pkg/server"
	"simulator/pkg/telemetry"
	"simulator/services/simulation-svc/internal/handlers"
	"simulator/services/simulation-svc/internal/repository"
	"simulator/services/simulation-svc/internal/runner"
	"simulator/services/simulation-svc/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		logger.Fatal("simulation service failed", "error", err)
	}
	logger.Info("Simulation service stopped")
}

func run(cfg *config.Config) error {
	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	logger.Log = logger.WithService(cfg.App.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Телеметрия
	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.ConfigFrom(cfg))
		if err != nil {
			logger.Warn("Failed to init telemetry", "error", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Log.Warn("Failed to shutdown telemetry", "error", err)
				}
			}()
			logger.Log.Info("Telemetry initialized", "endpoint", cfg.Tracing.Endpoint)
		}
	}

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment, cfg.Database.Driver)

	// Хранилище, миграции применяются при database.auto_migrate
	repos, err := repository.NewRepositories(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("open store (%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Close()
	prometheus.MustRegister(repos.Collector(cfg.Metrics.Namespace, cfg.Metrics.Subsystem))

	auditLogger, err := audit.New(audit.FromConfig(&cfg.Audit))
	if err != nil {
		return fmt.Errorf("create audit logger: %w", err)
	}
	defer func() {
		if err := auditLogger.Close(); err != nil {
			logger.Warn("Failed to close audit logger", "error", err)
		}
	}()

	engine, err := runner.NewEngine(cfg.Runner.Engine)
	if err != nil {
		return fmt.Errorf("create runner engine: %w", err)
	}
	loader := runner.NewLoader(engine,
		runner.WithTimeouts(cfg.Runner.StartTimeout, cfg.Runner.StopTimeout),
		runner.WithObserver(service.NewTransitionObserver(auditLogger, m, cfg.App.Name)),
	)

	simulationService := service.NewSimulationService(repos.Simulations, loader,
		service.WithAudit(auditLogger),
		service.WithMetrics(m),
		service.WithServiceName(cfg.App.Name),
	)

	opts := handlers.RouterOptions{Config: cfg, Metrics: m}
	if cfg.HTTP.Docs {
		opts.Docs = openapi.MustGetSpec()
	}

	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.New(ratelimit.FromConfig(&cfg.RateLimit))
		if err != nil {
			return fmt.Errorf("create rate limiter (%s): %w", cfg.RateLimit.Backend, err)
		}
		defer limiter.Close()
		opts.RateLimiter = limiter
	}

	if cfg.Auth.Enabled {
		opts.JWT = auth.NewJWTManager(auth.FromConfig(&cfg.Auth))
	}

	router := handlers.NewRouter(handlers.NewHandler(simulationService, cfg), opts)
	srv := server.New(cfg, router)

	logger.Info("Starting simulation service",
		"http_port", cfg.HTTP.Port,
		"grpc_enabled", cfg.GRPC.Enabled,
		"driver", repos.Type,
		"engine", cfg.Runner.Engine,
		"environment", cfg.App.Environment,
		"version", cfg.App.Version,
	)

	runErr := srv.Run(ctx)

	// Запущенная симуляция останавливается до закрытия хранилища и аудита
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.StopTimeout+cfg.HTTP.ShutdownTimeout)
	defer cancel()
	loader.Shutdown(shutdownCtx)

	return runErr
}
