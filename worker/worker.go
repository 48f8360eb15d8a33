// Package worker moves messages from a queue into a database table, one two-phase
// commit transaction per message, so that every message ends up either removed from the
// queue and inserted, or still in the queue and not inserted.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oagudo/twopc"
	"github.com/oagudo/twopc/queue"
	"github.com/oagudo/twopc/sqlstore"
)

// Conn is the store side of a transfer, bound to a single transaction.
type Conn interface {
	twopc.Participant
	InsertMessage(ctx context.Context, id int32, messageID string) error
}

// ConnSource opens store connections bound to a transaction.
type ConnSource interface {
	Conn(ctx context.Context, txID string) (Conn, error)
}

// ConnSourceFunc is an adapter to allow the use of ordinary functions as ConnSource.
type ConnSourceFunc func(ctx context.Context, txID string) (Conn, error)

func (f ConnSourceFunc) Conn(ctx context.Context, txID string) (Conn, error) {
	return f(ctx, txID)
}

// FromStore adapts a sqlstore.Store to a ConnSource.
func FromStore(store *sqlstore.Store) ConnSource {
	return ConnSourceFunc(func(ctx context.Context, txID string) (Conn, error) {
		conn, err := store.Conn(ctx, txID)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Stats counts the outcome of the transfers run by a Loop.
type Stats struct {
	Received   int
	Committed  int
	RolledBack int
	Malformed  int
}

// Add returns the sum of s and other.
func (s Stats) Add(other Stats) Stats {
	return Stats{
		Received:   s.Received + other.Received,
		Committed:  s.Committed + other.Committed,
		RolledBack: s.RolledBack + other.RolledBack,
		Malformed:  s.Malformed + other.Malformed,
	}
}

// Loop transfers messages until the queue stays empty for a whole receive wait.
type Loop struct {
	coordinator *twopc.Coordinator
	queues      queue.Source
	store       ConnSource

	txTimeout   time.Duration
	receiveWait time.Duration
	maxMessages int
	backoff     twopc.DelayFunc
	logger      *zap.Logger
}

// Option is a function that configures a Loop instance.
type Option func(*Loop)

// WithTxTimeout sets the timeout of each transaction. Default is 15 minutes.
func WithTxTimeout(timeout time.Duration) Option {
	return func(l *Loop) {
		if timeout > 0 {
			l.txTimeout = timeout
		}
	}
}

// WithReceiveWait sets how long to wait for the next message before stopping.
// Default is 10 minutes.
func WithReceiveWait(wait time.Duration) Option {
	return func(l *Loop) {
		if wait > 0 {
			l.receiveWait = wait
		}
	}
}

// WithMaxMessages stops the loop after n messages were received, whatever their outcome.
// Default is 0, no limit.
func WithMaxMessages(n int) Option {
	return func(l *Loop) {
		if n >= 0 {
			l.maxMessages = n
		}
	}
}

// WithFailureBackoff sets the delay before the next transfer after consecutive rolled back
// transfers. Default is exponential from 100 milliseconds up to 30 seconds.
func WithFailureBackoff(delayFunc twopc.DelayFunc) Option {
	return func(l *Loop) {
		if delayFunc != nil {
			l.backoff = delayFunc
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a new Loop.
func New(coordinator *twopc.Coordinator, queues queue.Source, store ConnSource, opts ...Option) *Loop {
	l := &Loop{
		coordinator: coordinator,
		queues:      queues,
		store:       store,
		txTimeout:   15 * time.Minute,
		receiveWait: 10 * time.Minute,
		backoff:     twopc.Exponential(100*time.Millisecond, 30*time.Second),
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

type result int

const (
	resultCommitted result = iota
	resultRolledBack
	resultDrained
)

// Run transfers messages until no message arrives within the receive wait, the message
// limit is reached or ctx is canceled, and returns nil in those cases.
//
// A transfer that rolls back leaves its message in the queue for redelivery and the loop
// goes on. Run returns an error when the outcome of a transfer is unknown or inconsistent
// (a *twopc.HeuristicError), when the coordinator reports a protocol violation, or when a
// queue session or store connection cannot be opened.
func (l *Loop) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	failures := 0

	for {
		if ctx.Err() != nil {
			return stats, nil
		}
		if l.maxMessages > 0 && stats.Received >= l.maxMessages {
			return stats, nil
		}

		res, err := l.transfer(ctx, &stats)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return stats, nil
			}
			return stats, err
		}

		switch res {
		case resultDrained:
			return stats, nil
		case resultCommitted:
			failures = 0
		case resultRolledBack:
			if !l.sleep(ctx, l.backoff(failures)) {
				return stats, nil
			}
			failures++
		}
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// transfer moves at most one message inside one transaction.
func (l *Loop) transfer(ctx context.Context, stats *Stats) (result, error) {
	txCtx, tx, err := l.coordinator.Begin(ctx, l.txTimeout)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	txID := tx.ID().String()
	logger := l.logger.With(zap.String("tx", txID))

	session, err := l.queues.Session(txCtx, txID)
	if err != nil {
		return l.abort(txCtx, logger, fmt.Errorf("opening queue session: %w", err))
	}
	if err := l.coordinator.Enlist(txCtx, session); err != nil {
		_ = session.Rollback(context.WithoutCancel(txCtx))
		return l.abort(txCtx, logger, fmt.Errorf("enlisting queue session: %w", err))
	}

	conn, err := l.store.Conn(txCtx, txID)
	if err != nil {
		return l.abort(txCtx, logger, fmt.Errorf("opening store connection: %w", err))
	}
	if err := l.coordinator.Enlist(txCtx, conn); err != nil {
		_ = conn.Rollback(context.WithoutCancel(txCtx))
		return l.abort(txCtx, logger, fmt.Errorf("enlisting store connection: %w", err))
	}

	msg, err := session.Receive(txCtx, l.receiveWait)
	if err != nil {
		return l.rollback(txCtx, logger, stats, fmt.Errorf("receiving message: %w", err))
	}
	if msg == nil {
		logger.Info("no message received, stopping", zap.Duration("wait", l.receiveWait))
		_, err := l.coordinator.End(txCtx, twopc.OutcomeRollback)
		if twopc.IsProtocolViolation(err) {
			return 0, err
		}
		if err != nil {
			logger.Warn("rolling back empty transaction", zap.Error(err))
		}
		return resultDrained, nil
	}

	stats.Received++
	logger = logger.With(zap.String("message_id", msg.ID))

	id, err := ParseID(msg.Body)
	if err != nil {
		stats.Malformed++
		logger.Error("using default id for malformed message", zap.Int32("id", id), zap.Error(err))
	}

	if err := conn.InsertMessage(txCtx, id, msg.ID); err != nil {
		return l.rollback(txCtx, logger, stats, err)
	}

	status, err := l.coordinator.End(txCtx, twopc.OutcomeCommit)
	return l.settle(logger, stats, status, err)
}

// abort rolls back a transaction whose resources could not be acquired and stops the loop.
func (l *Loop) abort(txCtx context.Context, logger *zap.Logger, cause error) (result, error) {
	if _, err := l.coordinator.End(txCtx, twopc.OutcomeRollback); err != nil {
		logger.Warn("rolling back transaction", zap.Error(err))
	}
	return 0, cause
}

// rollback ends the transaction after the transfer failed, the message is redelivered.
func (l *Loop) rollback(txCtx context.Context, logger *zap.Logger, stats *Stats, cause error) (result, error) {
	logger.Warn("transfer failed, rolling back", zap.Error(cause))

	status, err := l.coordinator.End(txCtx, twopc.OutcomeRollback)
	if errors.Is(cause, context.Canceled) && txCtx.Err() != nil {
		return 0, cause
	}
	return l.settle(logger, stats, status, err)
}

func (l *Loop) settle(logger *zap.Logger, stats *Stats, status twopc.Status, err error) (result, error) {
	if twopc.IsProtocolViolation(err) {
		return 0, err
	}

	switch status {
	case twopc.StatusCommitted:
		stats.Committed++
		logger.Info("message transferred")
		return resultCommitted, nil

	case twopc.StatusRolledBack:
		stats.RolledBack++
		if err != nil {
			logger.Warn("transaction rolled back, message left for redelivery", zap.Error(err))
		} else {
			logger.Info("transaction rolled back, message left for redelivery")
		}
		return resultRolledBack, nil

	default:
		logger.Error("transaction outcome needs reconciliation",
			zap.Stringer("status", status),
			zap.Error(err))
		if err == nil {
			err = fmt.Errorf("transaction ended in status %s", status)
		}
		return 0, err
	}
}
