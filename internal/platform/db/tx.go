package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/booking/pkg/apperror"
)

// Querier is the subset of pgx shared by the pool, a pinned connection and a
// transaction. Repositories run every statement through one of these.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Conn resolves the Querier for ctx: the open transaction first, then the
// tenant connection pinned by TenantMiddleware, then the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// TxManager runs functions inside a single database transaction.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithinTx runs fn in a transaction carried by the context passed to fn.
// A nil error from fn commits; anything else rolls back and is returned
// unchanged. Calls nested inside an open transaction join it.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		ctx, tx, err = WithTx(ctx)
	} else {
		tx, err = m.pool.Begin(ctx)
		if err == nil {
			ctx = context.WithValue(ctx, DBTxKey, tx)
		}
	}
	if err != nil {
		return apperror.Persistence("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.Persistence("commit transaction", err)
	}
	return nil
}
