package twopc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Protocol violations. They are programming errors and are never retried.
var (
	ErrAlreadyActive        = errors.New("context already has an active transaction")
	ErrNoActiveTransaction  = errors.New("no active transaction in context")
	ErrNotActive            = errors.New("transaction is not active")
	ErrDuplicateParticipant = errors.New("participant already enlisted")
	ErrInvalidTransition    = errors.New("invalid transaction status transition")
)

var (
	// ErrTimeout is the cause of a rollback triggered by an elapsed deadline.
	ErrTimeout = errors.New("transaction deadline exceeded")

	// ErrCannotCommit is the cause of a rollback triggered by a CANNOT_COMMIT vote.
	ErrCannotCommit = errors.New("participant voted cannot commit")

	// ErrHeuristicMixed is wrapped by HeuristicError.
	ErrHeuristicMixed = errors.New("heuristic mixed outcome")
)

// Phase names the protocol step in which a participant failed.
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
)

// ResourceError indicates that a participant call failed.
type ResourceError struct {
	Participant string
	Phase       Phase
	Err         error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Participant, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// RollbackError is returned when a transaction was rolled back for a reason other than
// the caller asking for it, or when some participant failed to roll back.
//
// Cause is nil when the caller forced the rollback.
type RollbackError struct {
	TxID     uuid.UUID
	Cause    error
	Failures []*ResourceError
}

func (e *RollbackError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction %s rolled back", e.TxID)
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %v", e.Cause)
	}
	if len(e.Failures) > 0 {
		fmt.Fprintf(&b, ", %d participant(s) failed to roll back: %s", len(e.Failures), joinFailures(e.Failures))
	}
	return b.String()
}

func (e *RollbackError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// HeuristicError reports a MIXED_FAILURE outcome: at least one participant failed to commit
// after the commit decision was taken. The data is inconsistent and needs reconciliation.
type HeuristicError struct {
	TxID      uuid.UUID
	Committed []string
	Failures  []*ResourceError
}

func (e *HeuristicError) Error() string {
	return fmt.Sprintf("transaction %s: %v: committed [%s], failed: %s",
		e.TxID, ErrHeuristicMixed, strings.Join(e.Committed, ", "), joinFailures(e.Failures))
}

func (e *HeuristicError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrHeuristicMixed)
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

func joinFailures(failures []*ResourceError) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, f.Error())
	}
	return strings.Join(parts, "; ")
}

// IsProtocolViolation reports whether err is a misuse of the coordinator API.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrNoActiveTransaction) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrDuplicateParticipant) ||
		errors.Is(err, ErrInvalidTransition)
}
