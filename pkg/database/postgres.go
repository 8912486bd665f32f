package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"simulator/pkg/config"
	"simulator/pkg/logger"
	"simulator/pkg/metrics"
)

// DB то, что репозиторий симуляций использует у PostgreSQL.
// Реализуется пулом и pgxmock в тестах.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
	Ping(ctx context.Context) error
}

// PostgresDB пул соединений хранилища симуляций
type PostgresDB struct {
	*pgxpool.Pool
}

var _ DB = (*PostgresDB)(nil)

// NewPostgresDB открывает пул по database.* и проверяет доступность базы.
// Ошибка ping закрывает пул: сервис без хранилища не стартует.
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Log.Info("Simulation store connected",
		"driver", "postgres",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"max_conns", poolConfig.MaxConns,
	)

	return &PostgresDB{Pool: pool}, nil
}

// Close закрывает пул; вызывается после остановки раннера
func (db *PostgresDB) Close() {
	db.Pool.Close()
	logger.Log.Info("Simulation store closed", "driver", "postgres")
}

// Stats снимок пула для метрик /metrics
func (db *PostgresDB) Stats() metrics.PoolStats {
	st := db.Pool.Stat()
	return metrics.PoolStats{
		Acquired:        st.AcquiredConns(),
		Idle:            st.IdleConns(),
		Total:           st.TotalConns(),
		Max:             st.MaxConns(),
		AcquireCount:    st.AcquireCount(),
		EmptyAcquire:    st.EmptyAcquireCount(),
		AcquireDuration: st.AcquireDuration(),
	}
}
