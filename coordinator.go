package twopc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Outcome is the caller's intent when ending a transaction.
type Outcome int

const (
	// OutcomeCommit runs the full two-phase commit.
	OutcomeCommit Outcome = iota
	// OutcomeRollback skips the prepare phase and rolls back every participant.
	// Used when the domain operation itself failed.
	OutcomeRollback
)

func (o Outcome) String() string {
	if o == OutcomeRollback {
		return "rollback"
	}
	return "commit"
}

// Coordinator drives the two-phase commit protocol across the participants enlisted
// in a transaction. It is safe for concurrent use by multiple worker contexts,
// each owning its own transaction.
type Coordinator struct {
	mu     sync.Mutex
	active map[uuid.UUID]*Transaction

	defaultTimeout   time.Duration
	reapInterval     time.Duration
	rollbackAttempts int
	rollbackDelay    DelayFunc

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics
	now     func() time.Time

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	errMu     sync.Mutex
	errCh     chan error
	errClosed bool
	meter     metric.Meter
}

// Option is a function that configures a Coordinator instance.
type Option func(*Coordinator)

// WithDefaultTimeout sets the timeout used by Begin when it is called with a non-positive timeout.
// Default is 15 minutes.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithReapInterval sets the time between background checks for expired transactions.
// Only used after Start. Default is 1 second.
func WithReapInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.reapInterval = interval
		}
	}
}

// WithRollbackRetry sets how many times a failing participant rollback is attempted
// and the delay between attempts. Commits are never retried.
// Default is a single attempt.
func WithRollbackRetry(attempts int, delayFunc DelayFunc) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.rollbackAttempts = attempts
		}
		if delayFunc != nil {
			c.rollbackDelay = delayFunc
		}
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) Option {
	return func(c *Coordinator) {
		if size > 0 {
			c.errCh = make(chan error, size)
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeter records transaction metrics with the given meter.
func WithMeter(meter metric.Meter) Option {
	return func(c *Coordinator) {
		c.meter = meter
	}
}

// WithTracer records a span per ended transaction with the given tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewCoordinator creates a new Coordinator with the given options.
func NewCoordinator(opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		active:           make(map[uuid.UUID]*Transaction),
		defaultTimeout:   15 * time.Minute,
		reapInterval:     1 * time.Second,
		rollbackAttempts: 1,
		rollbackDelay:    Exponential(100*time.Millisecond, 5*time.Second),
		logger:           zap.NewNop(),
		tracer:           noop.NewTracerProvider().Tracer(""),
		metrics:          noopMetrics(),
		now:              time.Now,
		ctx:              ctx,
		cancel:           cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.errCh == nil {
		c.errCh = make(chan error, 128)
	}

	if c.meter != nil {
		m, err := newMetrics(c.meter)
		if err != nil {
			c.logger.Warn("creating metric instruments, metrics disabled", zap.Error(err))
		} else {
			c.metrics = m
		}
	}

	return c
}

// Begin creates a new ACTIVE transaction whose deadline is now + timeout and returns
// a context carrying it. The returned context must be passed to Enlist and End.
//
// A non-positive timeout selects the coordinator default.
// Begin fails with ErrAlreadyActive if ctx already carries a transaction that has not ended.
func (c *Coordinator) Begin(ctx context.Context, timeout time.Duration) (context.Context, *Transaction, error) {
	if current, ok := FromContext(ctx); ok && !current.Status().Terminal() {
		return ctx, nil, fmt.Errorf("beginning transaction: %w (%s)", ErrAlreadyActive, current.id)
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	tx := newTransaction(c.now(), timeout)

	c.mu.Lock()
	c.active[tx.id] = tx
	c.mu.Unlock()

	c.metrics.transactionBegun(ctx)
	c.logger.Debug("transaction begun",
		zap.Stringer("tx", tx.id),
		zap.Time("deadline", tx.deadline))

	return withTransaction(ctx, tx), tx, nil
}

// Enlist attaches a participant to the transaction carried by ctx.
//
// It fails with ErrNoActiveTransaction if ctx carries none, with ErrNotActive if the
// transaction has left ACTIVE (e.g. its deadline elapsed), and with ErrDuplicateParticipant
// if a participant with the same ID is already enlisted.
// A participant that could not be enlisted remains the caller's responsibility.
func (c *Coordinator) Enlist(ctx context.Context, p Participant) error {
	tx, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("enlisting %s: %w", p.ID(), ErrNoActiveTransaction)
	}

	if _, mustRollback := c.expire(ctx, tx); mustRollback {
		_, _ = c.rollback(context.WithoutCancel(ctx), tx)
	}

	err := tx.enlist(p)
	if err != nil {
		return err
	}

	c.logger.Debug("participant enlisted",
		zap.Stringer("tx", tx.id),
		zap.String("participant", p.ID()))
	return nil
}

// End drives the transaction carried by ctx to a terminal status and returns it.
//
// With OutcomeCommit every participant is prepared in enlistment order. If all vote READY
// they are committed in enlistment order, otherwise all of them are rolled back.
// With OutcomeRollback the prepare phase is skipped.
//
// The returned error is:
//   - nil when the transaction committed, or rolled back cleanly because the caller asked for it.
//   - *RollbackError when it rolled back for another reason (a vote, a participant failure,
//     the deadline) or when a participant failed to roll back.
//   - *HeuristicError when a participant failed to commit (StatusMixedFailure).
//   - a protocol violation (ErrNoActiveTransaction, ErrNotActive) when there is nothing to end.
//
// Participant calls are made with a context that is not canceled with ctx, once a decision is
// taken it is carried out.
func (c *Coordinator) End(ctx context.Context, outcome Outcome) (Status, error) {
	tx, ok := FromContext(ctx)
	if !ok {
		return StatusActive, fmt.Errorf("ending transaction: %w", ErrNoActiveTransaction)
	}

	ctx, span := c.tracer.Start(ctx, "twopc.End", trace.WithAttributes(
		attribute.String("twopc.tx_id", tx.id.String()),
		attribute.String("twopc.outcome", outcome.String()),
	))
	defer span.End()

	status, err := c.end(ctx, tx, outcome)

	span.SetAttributes(attribute.String("twopc.status", status.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status.String())
	}

	return status, err
}

func (c *Coordinator) end(ctx context.Context, tx *Transaction, outcome Outcome) (Status, error) {
	tx.mu.Lock()
	if tx.ended {
		status := tx.status
		tx.mu.Unlock()
		return status, fmt.Errorf("ending transaction %s: %w", tx.id, ErrNotActive)
	}
	tx.ended = true

	if tx.status != StatusActive {
		// the reaper aborted the transaction and is rolling it back
		tx.mu.Unlock()
		return c.await(ctx, tx)
	}

	switch {
	case outcome == OutcomeRollback:
		_ = tx.setStatus(StatusRollingBack)
	case tx.expired(c.now()):
		tx.cause = c.timeoutCause(tx)
		_ = tx.setStatus(StatusRollingBack)
	default:
		_ = tx.setStatus(StatusPreparing)
	}
	preparing := tx.status == StatusPreparing
	tx.mu.Unlock()

	// once decided, the outcome must be carried out even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	if preparing && c.prepare(ctx, tx) {
		return c.commit(ctx, tx)
	}
	return c.rollback(ctx, tx)
}

// prepare runs phase one. It returns true when the transaction reached PREPARED,
// otherwise it is ROLLING_BACK.
func (c *Coordinator) prepare(ctx context.Context, tx *Transaction) bool {
	for _, e := range tx.snapshot() {
		if tx.Status() != StatusPreparing {
			return false
		}

		vote, err := e.participant.Prepare(ctx)
		if err != nil {
			resErr := &ResourceError{Participant: e.participant.ID(), Phase: PhasePrepare, Err: err}
			tx.record(e, VoteCannotCommit, resErr)
			c.abortPreparing(tx, resErr)
			return false
		}

		tx.record(e, vote, nil)
		if vote != VoteReady {
			c.abortPreparing(tx, fmt.Errorf("%s: %w", e.participant.ID(), ErrCannotCommit))
			return false
		}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusPreparing {
		return false
	}
	if tx.expired(c.now()) {
		tx.cause = c.timeoutCause(tx)
		_ = tx.setStatus(StatusRollingBack)
		return false
	}
	_ = tx.setStatus(StatusPrepared)
	return true
}

func (c *Coordinator) abortPreparing(tx *Transaction, cause error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusPreparing {
		// already aborted by the reaper, keep its cause
		return
	}
	tx.cause = cause
	_ = tx.setStatus(StatusRollingBack)
}

// commit runs phase two for a PREPARED transaction. Every participant is asked to commit,
// even after a failure, to keep the inconsistency as small as possible.
func (c *Coordinator) commit(ctx context.Context, tx *Transaction) (Status, error) {
	tx.mu.Lock()
	_ = tx.setStatus(StatusCommitting)
	tx.mu.Unlock()

	var committed []string
	var failures []*ResourceError
	for _, e := range tx.snapshot() {
		err := e.participant.Commit(ctx)
		if err != nil {
			resErr := &ResourceError{Participant: e.participant.ID(), Phase: PhaseCommit, Err: err}
			tx.record(e, VoteUndecided, resErr)
			failures = append(failures, resErr)
			c.logger.Error("participant commit failed",
				zap.Stringer("tx", tx.id),
				zap.String("participant", e.participant.ID()),
				zap.Error(err))
			continue
		}
		committed = append(committed, e.participant.ID())
	}

	var err error
	status := StatusCommitted
	if len(failures) > 0 {
		status = StatusMixedFailure
		err = &HeuristicError{TxID: tx.id, Committed: committed, Failures: failures}
	}

	c.finish(ctx, tx, status, err)
	return status, err
}

// rollback rolls back every participant of a ROLLING_BACK transaction, best effort.
func (c *Coordinator) rollback(ctx context.Context, tx *Transaction) (Status, error) {
	var failures []*ResourceError
	for _, e := range tx.snapshot() {
		err := c.rollbackParticipant(ctx, e.participant)
		if err != nil {
			resErr := &ResourceError{Participant: e.participant.ID(), Phase: PhaseRollback, Err: err}
			tx.record(e, VoteUndecided, resErr)
			failures = append(failures, resErr)
			c.logger.Warn("participant rollback failed",
				zap.Stringer("tx", tx.id),
				zap.String("participant", e.participant.ID()),
				zap.Error(err))
		}
	}

	cause := tx.Cause()

	var err error
	if cause != nil || len(failures) > 0 {
		err = &RollbackError{TxID: tx.id, Cause: cause, Failures: failures}
	}

	c.finish(ctx, tx, StatusRolledBack, err)
	return StatusRolledBack, err
}

func (c *Coordinator) rollbackParticipant(ctx context.Context, p Participant) error {
	var err error
	for attempt := 0; attempt < c.rollbackAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.rollbackDelay(attempt - 1))
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return err
			}
		}

		err = p.Rollback(ctx)
		if err == nil {
			return nil
		}
	}
	return err
}

// finish records the terminal status, wakes up waiters and discards the transaction.
func (c *Coordinator) finish(ctx context.Context, tx *Transaction, status Status, err error) {
	tx.mu.Lock()
	tx.outcomeErr = err
	setErr := tx.setStatus(status)
	tx.mu.Unlock()

	if setErr != nil {
		// unreachable unless the state machine is broken
		c.logger.Error("finishing transaction", zap.Error(setErr))
		return
	}

	c.mu.Lock()
	delete(c.active, tx.id)
	c.mu.Unlock()

	now := c.now()
	c.metrics.transactionEnded(ctx, tx, status, now)

	fields := []zap.Field{
		zap.Stringer("tx", tx.id),
		zap.Stringer("status", status),
		zap.Duration("elapsed", now.Sub(tx.createdAt)),
	}
	switch {
	case status == StatusMixedFailure:
		c.logger.Error("transaction ended with heuristic outcome", append(fields, zap.Error(err))...)
	case err != nil:
		c.logger.Info("transaction rolled back", append(fields, zap.Error(err))...)
	default:
		c.logger.Debug("transaction ended", fields...)
	}
}

func (c *Coordinator) await(ctx context.Context, tx *Transaction) (Status, error) {
	select {
	case <-tx.done:
	case <-ctx.Done():
		return tx.Status(), ctx.Err()
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status, tx.outcomeErr
}

func (c *Coordinator) timeoutCause(tx *Transaction) error {
	return fmt.Errorf("%w: deadline %s", ErrTimeout, tx.deadline.Format(time.RFC3339Nano))
}

// expire moves tx to ROLLING_BACK if its deadline elapsed while it was ACTIVE or PREPARING.
// mustRollback is true when the caller has to roll back the participants (tx was ACTIVE).
// A PREPARING transaction is rolled back by the goroutine running End once the
// current prepare call returns.
func (c *Coordinator) expire(ctx context.Context, tx *Transaction) (aborted bool, mustRollback bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !tx.expired(c.now()) {
		return false, false
	}
	if tx.status != StatusActive && tx.status != StatusPreparing {
		return false, false
	}

	wasActive := tx.status == StatusActive
	tx.cause = c.timeoutCause(tx)
	_ = tx.setStatus(StatusRollingBack)

	c.metrics.transactionExpired(ctx)
	c.logger.Warn("transaction deadline exceeded, rolling back",
		zap.Stringer("tx", tx.id),
		zap.Bool("was_active", wasActive),
		zap.Time("deadline", tx.deadline))

	return true, wasActive
}

// AbortExpired forces every ACTIVE or PREPARING transaction whose deadline elapsed into
// ROLLING_BACK and returns how many were aborted. ACTIVE transactions are rolled back before
// AbortExpired returns, failures are reported on the Errors channel.
// PREPARED transactions are never aborted for timeout.
func (c *Coordinator) AbortExpired(ctx context.Context) int {
	c.mu.Lock()
	txs := make([]*Transaction, 0, len(c.active))
	for _, tx := range c.active {
		txs = append(txs, tx)
	}
	c.mu.Unlock()

	count := 0
	for _, tx := range txs {
		aborted, mustRollback := c.expire(ctx, tx)
		if aborted {
			count++
		}
		if !mustRollback {
			continue
		}

		_, err := c.rollback(context.WithoutCancel(ctx), tx)
		if err != nil {
			c.sendError(err)
		}
	}
	return count
}

// Active returns the number of transactions that have not reached a terminal status.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Start begins the background check for expired transactions.
// If Start is called multiple times, only the first call has an effect.
func (c *Coordinator) Start() {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return
	}

	c.wg.Add(1)
	go func() {
		ticker := time.NewTicker(c.reapInterval)

		defer c.wg.Done()
		defer c.closeErrors()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.AbortExpired(c.ctx)
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts down the background expiry check and waits for an ongoing check to complete.
// The provided context controls how long to wait.
// Calling Stop multiple times is safe and only the first call has an effect.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.cancel() // signal stop
	if atomic.LoadInt32(&c.started) == 0 {
		c.closeErrors()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns a channel that receives a *RollbackError for every ACTIVE transaction
// rolled back by the background expiry check. Its Cause wraps ErrTimeout.
// The channel is buffered, if the buffer becomes full subsequent errors are dropped.
// The channel is closed when the coordinator is stopped.
func (c *Coordinator) Errors() <-chan error {
	return c.errCh
}

func (c *Coordinator) closeErrors() {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if !c.errClosed {
		c.errClosed = true
		close(c.errCh)
	}
}

// sendError drops err once the channel is closed, AbortExpired may still run after Stop.
func (c *Coordinator) sendError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if c.errClosed {
		return
	}
	select {
	case c.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}
