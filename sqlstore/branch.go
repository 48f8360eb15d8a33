package sqlstore

import (
	"context"
	"database/sql"
	"errors"
)

// branch runs the statements of one transaction branch on a pinned session.
type branch interface {
	begin(ctx context.Context) error
	exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	prepare(ctx context.Context) error
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
}

type pgBranch struct {
	conn     DBConn
	gid      string
	prepared bool
}

func (b *pgBranch) begin(ctx context.Context) error {
	_, err := b.conn.ExecContext(ctx, "BEGIN")
	return err
}

func (b *pgBranch) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.conn.ExecContext(ctx, query, args...)
}

func (b *pgBranch) prepare(ctx context.Context) error {
	// a failed PREPARE TRANSACTION behaves like ROLLBACK
	if _, err := b.conn.ExecContext(ctx, "PREPARE TRANSACTION "+b.gid); err != nil {
		return err
	}
	b.prepared = true
	return nil
}

func (b *pgBranch) commit(ctx context.Context) error {
	_, err := b.conn.ExecContext(ctx, "COMMIT PREPARED "+b.gid)
	return err
}

func (b *pgBranch) rollback(ctx context.Context) error {
	if b.prepared {
		_, err := b.conn.ExecContext(ctx, "ROLLBACK PREPARED "+b.gid)
		return err
	}
	_, err := b.conn.ExecContext(ctx, "ROLLBACK")
	return err
}

type xaState int

const (
	xaActive xaState = iota
	xaIdle
	xaPrepared
)

type xaBranch struct {
	conn  DBConn
	gid   string
	state xaState
}

func (b *xaBranch) begin(ctx context.Context) error {
	_, err := b.conn.ExecContext(ctx, "XA START "+b.gid)
	return err
}

func (b *xaBranch) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.conn.ExecContext(ctx, query, args...)
}

func (b *xaBranch) prepare(ctx context.Context) error {
	if err := b.end(ctx); err != nil {
		return err
	}
	if _, err := b.conn.ExecContext(ctx, "XA PREPARE "+b.gid); err != nil {
		return err
	}
	b.state = xaPrepared
	return nil
}

func (b *xaBranch) end(ctx context.Context) error {
	if b.state != xaActive {
		return nil
	}
	if _, err := b.conn.ExecContext(ctx, "XA END "+b.gid); err != nil {
		return err
	}
	b.state = xaIdle
	return nil
}

func (b *xaBranch) commit(ctx context.Context) error {
	_, err := b.conn.ExecContext(ctx, "XA COMMIT "+b.gid)
	return err
}

// rollback is valid from the idle and prepared states only.
func (b *xaBranch) rollback(ctx context.Context) error {
	if err := b.end(ctx); err != nil {
		return err
	}
	_, err := b.conn.ExecContext(ctx, "XA ROLLBACK "+b.gid)
	return err
}

// localBranch is a plain local transaction for dialects without prepared transactions
// in database/sql.
type localBranch struct {
	conn DBConn
	tx   Tx
}

func (b *localBranch) begin(ctx context.Context) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	b.tx = tx
	return nil
}

func (b *localBranch) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.tx.ExecContext(ctx, query, args...)
}

func (b *localBranch) prepare(ctx context.Context) error {
	return b.conn.PingContext(ctx)
}

func (b *localBranch) commit(_ context.Context) error {
	return b.tx.Commit()
}

func (b *localBranch) rollback(_ context.Context) error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
