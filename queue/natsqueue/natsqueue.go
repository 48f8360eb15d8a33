// Package natsqueue implements transactional queue sessions on a NATS JetStream
// pull consumer. A fetched message is acked synchronously on Commit and negatively
// acknowledged on Rollback so that JetStream redelivers it.
package natsqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/oagudo/twopc"
	"github.com/oagudo/twopc/queue"
)

// Fetcher is the subset of *nats.Subscription used to pull messages.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

type acknowledger interface {
	AckSync(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
}

// Source opens sessions sharing a single durable pull subscription.
type Source struct {
	subject string
	fetcher Fetcher
	close   func() error
	logger  *zap.Logger
	now     func() time.Time

	acknowledger func(*nats.Msg) acknowledger
}

// Option is a function that configures a Source instance.
type Option func(*Source)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New binds a durable pull consumer on subject.
func New(js nats.JetStreamContext, subject, durable string, opts ...Option) (*Source, error) {
	sub, err := js.PullSubscribe(subject, durable, nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	s := newSource(subject, sub, opts...)
	s.close = sub.Drain
	return s, nil
}

func newSource(subject string, fetcher Fetcher, opts ...Option) *Source {
	s := &Source{
		subject: subject,
		fetcher: fetcher,
		close:   func() error { return nil },
		logger:  zap.NewNop(),
		now:     time.Now,
		acknowledger: func(msg *nats.Msg) acknowledger {
			return msg
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close drains the subscription. Messages in flight stay unacknowledged and are redelivered.
func (s *Source) Close() error {
	return s.close()
}

// Session implements queue.Source.
func (s *Source) Session(_ context.Context, txID string) (queue.Session, error) {
	return &Session{source: s, txID: txID}, nil
}

// Session is a transactional session over the shared pull subscription.
type Session struct {
	source *Source
	txID   string

	mu       sync.Mutex
	received []acknowledger
	ended    bool
}

var _ queue.Session = (*Session)(nil)

func (s *Session) ID() string {
	return "nats:" + s.source.subject
}

// Receive implements queue.Session.
func (s *Session) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return nil, queue.ErrSessionClosed
	}

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := s.source.fetcher.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching from %s: %w", s.source.subject, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	return s.hold(msgs[0])
}

func (s *Session) hold(msg *nats.Msg) (*queue.Message, error) {
	ack := s.source.acknowledger(msg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		_ = ack.Nak()
		return nil, queue.ErrSessionClosed
	}
	s.received = append(s.received, ack)

	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}

	redelivered := false
	if meta, err := msg.Metadata(); err == nil {
		redelivered = meta.NumDelivered > 1
	}

	return &queue.Message{
		ID:          msg.Header.Get(nats.MsgIdHdr),
		Body:        msg.Data,
		Headers:     headers,
		Redelivered: redelivered,
		ReceivedAt:  s.source.now(),
	}, nil
}

// Prepare resets the ack wait of the held messages. A failure means the server may
// already have given up on them, so the session votes CANNOT_COMMIT.
func (s *Session) Prepare(_ context.Context) (twopc.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return twopc.VoteCannotCommit, queue.ErrSessionClosed
	}
	for _, ack := range s.received {
		if err := ack.InProgress(); err != nil {
			return twopc.VoteCannotCommit, fmt.Errorf("extending ack wait: %w", err)
		}
	}
	return twopc.VoteReady, nil
}

func (s *Session) Commit(_ context.Context) error {
	return s.end(func(ack acknowledger) error {
		return ack.AckSync()
	})
}

// Rollback naks the held messages. Calling it more than once has no further effect.
func (s *Session) Rollback(_ context.Context) error {
	return s.end(func(ack acknowledger) error {
		return ack.Nak()
	})
}

func (s *Session) end(settle func(acknowledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}
	s.ended = true

	var errs []error
	for _, ack := range s.received {
		if err := settle(ack); err != nil {
			errs = append(errs, err)
		}
	}
	s.received = nil

	if err := errors.Join(errs...); err != nil {
		s.source.logger.Warn("settling jetstream messages",
			zap.String("tx", s.txID),
			zap.Error(err))
		return err
	}
	return nil
}
