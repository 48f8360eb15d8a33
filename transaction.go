package twopc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the position of a transaction in the two-phase commit state machine.
type Status int

const (
	StatusActive Status = iota
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusMixedFailure
)

var statusNames = map[Status]string{
	StatusActive:       "ACTIVE",
	StatusPreparing:    "PREPARING",
	StatusPrepared:     "PREPARED",
	StatusCommitting:   "COMMITTING",
	StatusCommitted:    "COMMITTED",
	StatusRollingBack:  "ROLLING_BACK",
	StatusRolledBack:   "ROLLED_BACK",
	StatusMixedFailure: "MIXED_FAILURE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusMixedFailure
}

var transitions = map[Status][]Status{
	StatusActive:      {StatusPreparing, StatusRollingBack},
	StatusPreparing:   {StatusPrepared, StatusRollingBack},
	StatusPrepared:    {StatusCommitting},
	StatusCommitting:  {StatusCommitted, StatusMixedFailure},
	StatusRollingBack: {StatusRolledBack},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transaction is one logical unit of work spanning every enlisted participant.
// It is created by Coordinator.Begin and owned by the calling context until it ends.
type Transaction struct {
	id        uuid.UUID
	createdAt time.Time
	deadline  time.Time

	mu           sync.Mutex
	status       Status
	participants []*enlistment
	cause        error
	outcomeErr   error
	ended        bool
	done         chan struct{}
}

func newTransaction(now time.Time, timeout time.Duration) *Transaction {
	return &Transaction{
		id:        uuid.New(),
		createdAt: now,
		deadline:  now.Add(timeout),
		status:    StatusActive,
		done:      make(chan struct{}),
	}
}

// ID returns the unique transaction identifier.
func (t *Transaction) ID() uuid.UUID { return t.id }

// CreatedAt returns the time the transaction began.
func (t *Transaction) CreatedAt() time.Time { return t.createdAt }

// Deadline returns the absolute time after which the transaction may not commit.
func (t *Transaction) Deadline() time.Time { return t.deadline }

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Cause returns the reason the transaction was rolled back without the caller asking for it, if any.
func (t *Transaction) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Done returns a channel that is closed once the transaction reaches a terminal status.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Participants returns a snapshot of the enlisted participants in enlistment order.
func (t *Transaction) Participants() []ParticipantState {
	t.mu.Lock()
	defer t.mu.Unlock()

	states := make([]ParticipantState, 0, len(t.participants))
	for _, e := range t.participants {
		states = append(states, ParticipantState{
			ID:   e.participant.ID(),
			Vote: e.vote,
			Err:  e.err,
		})
	}
	return states
}

func (t *Transaction) String() string {
	return t.id.String()
}

// setStatus moves the transaction along the state machine. Callers must hold t.mu.
func (t *Transaction) setStatus(to Status) error {
	if !canTransition(t.status, to) {
		return fmt.Errorf("%w: transaction %s cannot move from %s to %s", ErrInvalidTransition, t.id, t.status, to)
	}
	t.status = to
	if to.Terminal() {
		close(t.done)
	}
	return nil
}

func (t *Transaction) expired(now time.Time) bool {
	return !now.Before(t.deadline)
}

func (t *Transaction) enlist(p Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusActive {
		return fmt.Errorf("enlisting %s in transaction %s (%s): %w", p.ID(), t.id, t.status, ErrNotActive)
	}
	for _, e := range t.participants {
		if e.participant.ID() == p.ID() {
			return fmt.Errorf("enlisting %s in transaction %s: %w", p.ID(), t.id, ErrDuplicateParticipant)
		}
	}
	t.participants = append(t.participants, &enlistment{participant: p})
	return nil
}

// snapshot returns the enlistments so participant calls can run without holding the lock.
func (t *Transaction) snapshot() []*enlistment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*enlistment(nil), t.participants...)
}

func (t *Transaction) record(e *enlistment, vote Vote, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vote != VoteUndecided {
		e.vote = vote
	}
	if err != nil {
		e.err = err
	}
}

type txKey struct{}

// FromContext returns the transaction carried by ctx, if any.
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(*Transaction)
	return tx, ok && tx != nil
}

func withTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}
