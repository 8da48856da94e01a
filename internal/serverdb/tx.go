package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/graphnote/graphnote/internal/schema"
)

// TxOptions bounds a transaction.
type TxOptions struct {
	// MaxWait limits how long to wait for a pooled connection.
	MaxWait time.Duration
	// Timeout limits the transaction body and its commit.
	Timeout time.Duration
}

// Tx is an open transaction. It exposes the same queries as DB.
type Tx struct {
	queries
	tx *sql.Tx
}

// WithTx runs fn inside a transaction and commits if fn returns nil.
// Anything fn returns is passed through unchanged after rollback; failures
// to acquire a connection, begin, finish in time or commit are reported as
// schema.ErrTransactionFailure.
func (db *DB) WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx *Tx) error) error {
	waitCtx, cancelWait := withOptionalTimeout(ctx, opts.MaxWait)
	conn, err := db.conn.Conn(waitCtx)
	cancelWait()
	if err != nil {
		return fmt.Errorf("%w: failed to acquire connection: %v", schema.ErrTransactionFailure, err)
	}
	defer conn.Close()

	execCtx, cancelExec := withOptionalTimeout(ctx, opts.Timeout)
	defer cancelExec()

	sqlTx, err := conn.BeginTx(execCtx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", schema.ErrTransactionFailure, err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &Tx{queries: queries{q: sqlTx, dialect: db.dialect}, tx: sqlTx}
	if err := fn(execCtx, tx); err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: transaction exceeded %s: %v", schema.ErrTransactionFailure, opts.Timeout, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", schema.ErrTransactionFailure, err)
	}
	committed = true
	return nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
