package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/oagudo/twopc"
)

// ErrBranchEnded is returned when a statement is executed on a branch that was
// prepared, committed or rolled back.
var ErrBranchEnded = errors.New("transaction branch no longer accepts statements")

// ErrNotPrepared is returned by Commit when the branch was not prepared.
var ErrNotPrepared = errors.New("transaction branch not prepared")

type branchState int

const (
	branchActive branchState = iota
	branchPrepared
	branchEnded
)

// Conn is a transaction branch on a pinned database session. It implements
// twopc.Participant and is owned by a single transaction.
type Conn struct {
	store  *Store
	txID   string
	conn   DBConn
	branch branch

	mu     sync.Mutex
	state  branchState
	failed error
}

var _ twopc.Participant = (*Conn)(nil)

func (c *Conn) ID() string {
	return "sql:" + string(c.store.dialect) + ":" + c.store.tableName
}

// Exec runs a statement inside the transaction branch. Once a statement failed the
// branch can only be rolled back, Prepare votes CANNOT_COMMIT.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != branchActive {
		return nil, ErrBranchEnded
	}
	res, err := c.branch.exec(ctx, query, args...)
	if err != nil && c.failed == nil {
		c.failed = err
	}
	return res, err
}

// InsertMessage inserts a row recording that the message messageID was transferred.
func (c *Conn) InsertMessage(ctx context.Context, id int32, messageID string) error {
	_, err := c.Exec(ctx, c.store.dialect.insertMessageQuery(c.store.tableName), id, messageID)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", messageID, err)
	}
	return nil
}

// Prepare votes READY once the database has durably prepared the branch.
// Any failure is a CANNOT_COMMIT vote.
func (c *Conn) Prepare(ctx context.Context) (twopc.Vote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != branchActive {
		return twopc.VoteCannotCommit, ErrBranchEnded
	}
	// postgres answers PREPARE TRANSACTION on an aborted transaction with a rollback, not an error
	if c.failed != nil {
		return twopc.VoteCannotCommit, fmt.Errorf("preparing branch after failed statement: %w", c.failed)
	}
	if err := c.branch.prepare(ctx); err != nil {
		return twopc.VoteCannotCommit, fmt.Errorf("preparing branch: %w", err)
	}
	c.state = branchPrepared
	return twopc.VoteReady, nil
}

// Commit commits the prepared branch and returns the session to the pool.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == branchEnded {
		return nil
	}
	if c.state != branchPrepared {
		return fmt.Errorf("committing branch: %w", ErrNotPrepared)
	}

	err := c.branch.commit(ctx)
	c.release()
	if err != nil {
		return fmt.Errorf("committing branch: %w", err)
	}
	return nil
}

// Rollback discards the branch and returns the session to the pool.
// It is a no-op once the branch ended.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == branchEnded {
		return nil
	}

	err := c.branch.rollback(ctx)
	c.release()
	if err != nil {
		return fmt.Errorf("rolling back branch: %w", err)
	}
	return nil
}

// release must be called with mu held.
func (c *Conn) release() {
	c.state = branchEnded
	if err := c.conn.Close(); err != nil {
		c.store.logger.Warn("returning connection to the pool",
			zap.String("tx", c.txID),
			zap.Error(err))
	}
}
