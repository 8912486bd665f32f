package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"simulator/pkg/config"
	"simulator/pkg/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// Migrator управляет миграциями
type Migrator struct {
	db         *sql.DB
	dialect    string
	migrations fs.FS
	dir        string
}

// NewMigrator создаёт мигратор поверх database/sql
func NewMigrator(db *sql.DB, dialect string, migrations fs.FS, dir string) *Migrator {
	return &Migrator{
		db:         db,
		dialect:    dialect,
		migrations: migrations,
		dir:        dir,
	}
}

func (m *Migrator) prepare() error {
	goose.SetBaseFS(m.migrations)

	if err := goose.SetDialect(m.dialect); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	return nil
}

// Up применяет все миграции
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.prepare(); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, m.db, m.dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Log.Info("Migrations applied successfully", "dialect", m.dialect)
	return nil
}

// RunPostgresMigrations применяет миграции к пулу pgx, если включено в конфигурации
func RunPostgresMigrations(ctx context.Context, pool *pgxpool.Pool, cfg *config.DatabaseConfig, migrations fs.FS, dir string) error {
	if !cfg.AutoMigrate {
		logger.Log.Info("Auto-migration is disabled")
		return nil
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	return NewMigrator(db, DialectPostgres, migrations, dir).Up(ctx)
}

// RunSQLiteMigrations применяет миграции к SQLite, если включено в конфигурации
func RunSQLiteMigrations(ctx context.Context, db *sql.DB, cfg *config.DatabaseConfig, migrations fs.FS, dir string) error {
	if !cfg.AutoMigrate {
		logger.Log.Info("Auto-migration is disabled")
		return nil
	}

	return NewMigrator(db, DialectSQLite, migrations, dir).Up(ctx)
}
