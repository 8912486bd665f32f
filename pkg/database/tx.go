package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrRollback - функция транзакции просит откатить изменения без ошибки.
// Результат функции при этом возвращается вызывающему.
var ErrRollback = errors.New("transaction rollback requested")

// TxFunc функция, выполняемая в транзакции
type TxFunc func(tx pgx.Tx) error

// WithTransaction выполняет функцию в транзакции
func WithTransaction(ctx context.Context, db DB, fn TxFunc) error {
	_, err := WithTransactionResult(ctx, db, func(tx pgx.Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// WithTransactionResult выполняет функцию в транзакции с возвратом результата
func WithTransactionResult[T any](ctx context.Context, db DB, fn func(tx pgx.Tx) (T, error)) (T, error) {
	var result T

	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx) //nolint:errcheck // best effort on panic
			panic(p)
		}
	}()

	result, err = fn(tx)
	if err != nil {
		return result, finishRollback(err, tx.Rollback(ctx))
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// SQLTxFunc функция, выполняемая в транзакции database/sql
type SQLTxFunc func(tx *sql.Tx) error

// WithSQLTransaction выполняет функцию в транзакции database/sql
func WithSQLTransaction(ctx context.Context, db *sql.DB, fn SQLTxFunc) error {
	_, err := WithSQLTransactionResult(ctx, db, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// WithSQLTransactionResult выполняет функцию в транзакции database/sql с возвратом результата
func WithSQLTransactionResult[T any](ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var result T

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback() //nolint:errcheck // best effort on panic
			panic(p)
		}
	}()

	result, err = fn(tx)
	if err != nil {
		return result, finishRollback(err, tx.Rollback())
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func finishRollback(err, rbErr error) error {
	if rbErr != nil {
		return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
	}
	if errors.Is(err, ErrRollback) {
		return nil
	}
	return err
}
