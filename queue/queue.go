// Package queue defines the message source side of a transfer: a transactional
// session that receives messages and acknowledges them only when the surrounding
// two-phase commit decides to commit.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/oagudo/twopc"
)

// ErrSessionClosed is returned by Receive once the session was committed or rolled back.
var ErrSessionClosed = errors.New("queue session closed")

// Message is a message received inside a transaction.
type Message struct {
	// ID is the broker assigned message id, empty when the broker has none.
	ID      string
	Body    []byte
	Headers map[string]string
	// Redelivered is a hint that the message was delivered before and rolled back.
	Redelivered bool
	ReceivedAt  time.Time
}

// Session is a transactional view of a queue. It is a twopc.Participant: received messages
// are acknowledged on Commit and made available again on Rollback.
//
// A Session belongs to a single transaction and must not be reused once it ended.
type Session interface {
	twopc.Participant

	// Receive waits up to wait for the next message. It returns (nil, nil) when no
	// message arrived in time.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)
}

// Source opens queue sessions.
type Source interface {
	// Session opens a session for the transaction identified by txID.
	Session(ctx context.Context, txID string) (Session, error)
}
