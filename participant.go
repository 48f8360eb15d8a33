package twopc

import "context"

// Vote is a participant's answer to the prepare request.
type Vote int

const (
	// VoteUndecided means the participant has not been asked to prepare yet.
	VoteUndecided Vote = iota
	// VoteReady means the participant can durably commit its pending work.
	VoteReady
	// VoteCannotCommit means the participant must roll back.
	VoteCannotCommit
)

func (v Vote) String() string {
	switch v {
	case VoteReady:
		return "READY"
	case VoteCannotCommit:
		return "CANNOT_COMMIT"
	default:
		return "UNDECIDED"
	}
}

// Participant is a resource that can be enlisted in a transaction,
// e.g. a queue session or a database connection bound to that transaction.
//
// Implementations must not retry failed calls themselves, the coordinator owns the retry policy.
type Participant interface {
	// ID returns a stable name, used for diagnostics and to detect duplicate enlistment.
	ID() string

	// Prepare asks the resource whether it can durably commit its pending work.
	// It must never partially apply changes. A returned error counts as VoteCannotCommit.
	Prepare(ctx context.Context) (Vote, error)

	// Commit durably applies the prepared changes.
	// An error means the resource ended up in a state the coordinator did not decide (heuristic outcome).
	Commit(ctx context.Context) error

	// Rollback discards pending changes.
	// It must succeed when Prepare was never called, and it may be called concurrently
	// with in-flight work when a transaction is aborted for timeout.
	Rollback(ctx context.Context) error
}

// ParticipantState is a snapshot of a participant's stake in a transaction.
type ParticipantState struct {
	ID   string
	Vote Vote
	Err  error
}

type enlistment struct {
	participant Participant
	vote        Vote
	err         error
}
