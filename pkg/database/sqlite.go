package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // регистрирует драйвер "sqlite"

	"simulator/pkg/config"
	"simulator/pkg/logger"
)

const sqliteDriver = "sqlite"

// SQLiteDB обёртка над *sql.DB для встроенного режима
type SQLiteDB struct {
	db   *sql.DB
	path string
}

// OpenSQLite открывает (или создаёт) файл базы SQLite
func OpenSQLite(ctx context.Context, cfg *config.DatabaseConfig) (*SQLiteDB, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}

	if dir := filepath.Dir(cfg.Database); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Один писатель: SQLite сериализует запись на уровне файла
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	logger.Log.Info("Opened SQLite database", "path", cfg.Database)

	return &SQLiteDB{db: db, path: cfg.Database}, nil
}

// DB возвращает базовый *sql.DB
func (s *SQLiteDB) DB() *sql.DB {
	return s.db
}

func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает базу
func (s *SQLiteDB) Close() {
	if err := s.db.Close(); err != nil {
		logger.Log.Warn("Failed to close SQLite database", "error", err)
		return
	}
	logger.Log.Info("SQLite database closed", "path", s.path)
}
