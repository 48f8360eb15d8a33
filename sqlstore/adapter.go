package sqlstore

import (
	"context"
	"database/sql"
)

// Execer represents a statement executor.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tx represents a local database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Execer
	Commit() error
	Rollback() error
}

// DBConn represents a single database session taken from the pool.
// It is compatible with the standard sql.Conn type through an adapter.
type DBConn interface {
	Execer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	PingContext(ctx context.Context) error
	// Close returns the session to the pool.
	Close() error
}

// DB represents a database connection pool.
// It is compatible with the standard sql.DB type through an adapter.
type DB interface {
	Execer
	Conn(ctx context.Context) (DBConn, error)
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	db *sql.DB
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) Conn(ctx context.Context) (DBConn, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn: conn}, nil
}

// connAdapter is a wrapper around a sql.Conn that implements the DBConn interface.
type connAdapter struct {
	conn *sql.Conn
}

func (a *connAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.conn.ExecContext(ctx, query, args...)
}

func (a *connAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (a *connAdapter) PingContext(ctx context.Context) error {
	return a.conn.PingContext(ctx)
}

func (a *connAdapter) Close() error {
	return a.conn.Close()
}
