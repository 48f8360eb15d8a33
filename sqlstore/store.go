// Package sqlstore makes a relational database a participant of a two-phase commit.
//
// Each Conn pins one pooled session for the lifetime of a transaction branch and
// prepares it with the database's own two-phase commit support where available:
//
//	postgres        BEGIN ... PREPARE TRANSACTION 'gid' ... COMMIT PREPARED 'gid'
//	mysql, mariadb  XA START 'gid' ... XA END 'gid'; XA PREPARE 'gid' ... XA COMMIT 'gid'
//
// PostgreSQL requires max_prepared_transactions > 0.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Store opens transaction branches against a database.
type Store struct {
	db        DB
	dialect   Dialect
	tableName string
	gidPrefix string
	logger    *zap.Logger
}

// Option is a function that configures a Store instance.
type Option func(*Store)

// WithTableName sets the table written by InsertMessage and created by Bootstrap.
// Default is "messages".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
// An invalid table name will cause a panic when creating the Store.
func WithTableName(tableName string) Option {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// WithGlobalIDPrefix sets the prefix of the global transaction ids sent to the database.
// Default is "twopc-".
func WithGlobalIDPrefix(prefix string) Option {
	return func(s *Store) {
		s.gidPrefix = prefix
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a new Store from a standard *sql.DB.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	return NewWithDB(&dbAdapter{db: db}, dialect, opts...)
}

// NewWithDB creates a new Store with a custom DB implementation.
func NewWithDB(db DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:        db,
		dialect:   dialect,
		tableName: "messages",
		gidPrefix: "twopc-",
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	err := validateTableName(s.tableName)
	if err != nil {
		panic(err)
	}

	return s
}

// Dialect returns the dialect of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Bootstrap drops and recreates the message table. It runs outside of any transaction.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.dropTableQuery(s.tableName)); err != nil {
		return fmt.Errorf("dropping table %s: %w", s.tableName, err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.createTableQuery(s.tableName)); err != nil {
		return fmt.Errorf("creating table %s: %w", s.tableName, err)
	}

	s.logger.Info("message table created", zap.String("table", s.tableName))
	return nil
}

// Conn takes a session from the pool and starts the transaction branch of txID on it.
// The session goes back to the pool once the branch is committed or rolled back.
func (s *Store) Conn(ctx context.Context, txID string) (*Conn, error) {
	dbConn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	b := s.newBranch(dbConn, s.globalID(txID))
	if err := b.begin(ctx); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("starting transaction branch: %w", err)
	}

	return &Conn{
		store:  s,
		txID:   txID,
		conn:   dbConn,
		branch: b,
	}, nil
}

func (s *Store) newBranch(conn DBConn, gid string) branch {
	switch s.dialect {
	case DialectPostgres:
		return &pgBranch{conn: conn, gid: gid}
	case DialectMySQL, DialectMariaDB:
		return &xaBranch{conn: conn, gid: gid}
	default:
		return &localBranch{conn: conn}
	}
}

// globalID builds a quoted string literal safe to inline in a statement.
// MySQL limits the gtrid to 64 bytes.
func (s *Store) globalID(txID string) string {
	gid := s.gidPrefix + txID
	if len(gid) > 64 {
		gid = gid[:64]
	}
	return "'" + strings.ReplaceAll(gid, "'", "''") + "'"
}
