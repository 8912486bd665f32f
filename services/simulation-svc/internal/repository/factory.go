package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"simulator/migrations"
	"simulator/pkg/config"
	"simulator/pkg/database"
	"simulator/pkg/metrics"
)

// RepositoryType тип репозитория
type RepositoryType string

const (
	RepositoryTypePostgres RepositoryType = "postgres"
	RepositoryTypeSQLite   RepositoryType = "sqlite"
)

// Repositories контейнер репозиториев
type Repositories struct {
	Type        RepositoryType
	Simulations SimulationRepository
	close       func() // Для закрытия при shutdown
	collector   func(namespace, subsystem string) prometheus.Collector
}

// Collector метрики пула соединений хранилища
func (r *Repositories) Collector(namespace, subsystem string) prometheus.Collector {
	return r.collector(namespace, subsystem)
}

// Close закрывает соединения
func (r *Repositories) Close() {
	if r.close != nil {
		r.close()
	}
}

// NewRepositories открывает хранилище по database.driver и применяет миграции
func NewRepositories(ctx context.Context, cfg *config.DatabaseConfig) (*Repositories, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		return newPostgresRepositories(ctx, cfg)

	case "sqlite", "sqlite3":
		return newSQLiteRepositories(ctx, cfg)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

func newPostgresRepositories(ctx context.Context, cfg *config.DatabaseConfig) (*Repositories, error) {
	db, err := database.NewPostgresDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := database.RunPostgresMigrations(ctx, db.Pool, cfg, migrations.FS, migrations.PostgresDir); err != nil {
		db.Close()
		return nil, err
	}

	return &Repositories{
		Type:        RepositoryTypePostgres,
		Simulations: NewPostgresSimulationRepository(db),
		close:       db.Close,
		collector: func(namespace, subsystem string) prometheus.Collector {
			return metrics.NewPoolCollector(namespace, subsystem, db.Stats)
		},
	}, nil
}

func newSQLiteRepositories(ctx context.Context, cfg *config.DatabaseConfig) (*Repositories, error) {
	db, err := database.OpenSQLite(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := database.RunSQLiteMigrations(ctx, db.DB(), cfg, migrations.FS, migrations.SQLiteDir); err != nil {
		db.Close()
		return nil, err
	}

	return &Repositories{
		Type:        RepositoryTypeSQLite,
		Simulations: NewSQLiteSimulationRepository(db.DB()),
		close:       db.Close,
		collector: func(string, string) prometheus.Collector {
			return metrics.NewSQLStatsCollector(db.DB(), string(RepositoryTypeSQLite))
		},
	}, nil
}
