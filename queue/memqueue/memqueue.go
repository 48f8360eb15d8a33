// Package memqueue is an in-process queue with transactional sessions.
// Messages received by a session stay in flight until the session commits, which
// removes them, or rolls back, which puts them back at the head of the queue.
package memqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oagudo/twopc"
	"github.com/oagudo/twopc/queue"
)

// Queue is a FIFO queue safe for concurrent use.
type Queue struct {
	name string
	now  func() time.Time

	mu       sync.Mutex
	ready    []queue.Message
	inFlight int
	seq      uint64
	signal   chan struct{} // closed and replaced whenever messages become ready
}

// Option is a function that configures a Queue instance.
type Option func(*Queue)

// WithClock sets the function used to stamp received messages. Default is time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates an empty queue.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:   name,
		now:    time.Now,
		signal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish appends a message to the tail of the queue and returns its id.
func (q *Queue) Publish(body []byte, headers map[string]string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	id := q.name + "-" + strconv.FormatUint(q.seq, 10)
	q.ready = append(q.ready, queue.Message{
		ID:      id,
		Body:    append([]byte(nil), body...),
		Headers: headers,
	})
	q.notifyLocked()
	return id
}

// Len returns the number of messages ready to be received.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight returns the number of messages received by sessions that have not ended yet.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Session implements queue.Source.
func (q *Queue) Session(_ context.Context, txID string) (queue.Session, error) {
	return &Session{queue: q, txID: txID, closed: make(chan struct{})}, nil
}

func (q *Queue) notifyLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// pop takes the head message or returns the channel to wait on.
func (q *Queue) pop() (*queue.Message, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil, q.signal
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	q.inFlight++
	msg.ReceivedAt = q.now()
	return &msg, nil
}

func (q *Queue) requeue(msgs []queue.Message) {
	if len(msgs) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	head := make([]queue.Message, 0, len(msgs)+len(q.ready))
	for _, msg := range msgs {
		msg.Redelivered = true
		head = append(head, msg)
	}
	q.ready = append(head, q.ready...)
	q.inFlight -= len(msgs)
	q.notifyLocked()
}

func (q *Queue) ack(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight -= n
}

// Session is a transactional session over a Queue.
type Session struct {
	queue *Queue
	txID  string

	mu       sync.Mutex
	received []queue.Message
	ended    bool
	closed   chan struct{}
}

var _ queue.Session = (*Session)(nil)

func (s *Session) ID() string {
	return "memqueue:" + s.queue.name
}

// Receive implements queue.Session.
func (s *Session) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if s.isEnded() {
			return nil, queue.ErrSessionClosed
		}

		msg, signal := s.queue.pop()
		if msg != nil {
			return s.hold(msg)
		}

		select {
		case <-signal:
		case <-timer.C:
			return nil, nil
		case <-s.closed:
			return nil, queue.ErrSessionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Session) hold(msg *queue.Message) (*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		// rolled back while waiting
		s.queue.requeue([]queue.Message{*msg})
		return nil, queue.ErrSessionClosed
	}
	s.received = append(s.received, *msg)
	return msg, nil
}

func (s *Session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) Prepare(_ context.Context) (twopc.Vote, error) {
	if s.isEnded() {
		return twopc.VoteCannotCommit, fmt.Errorf("preparing session for %s: %w", s.txID, queue.ErrSessionClosed)
	}
	return twopc.VoteReady, nil
}

func (s *Session) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}
	s.ended = true
	close(s.closed)
	s.queue.ack(len(s.received))
	s.received = nil
	return nil
}

// Rollback puts the received messages back at the head of the queue, in the order
// they were received. Calling it more than once has no further effect.
func (s *Session) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}
	s.ended = true
	close(s.closed)
	s.queue.requeue(s.received)
	s.received = nil
	return nil
}
