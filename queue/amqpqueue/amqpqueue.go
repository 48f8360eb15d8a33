// Package amqpqueue implements transactional queue sessions on RabbitMQ.
//
// Every session opens its own channel with a prefetch of one and consumes with manual
// acknowledgements. The received delivery is acked on Commit and nacked with requeue on
// Rollback. If the channel is lost before the outcome is known the broker requeues the
// delivery itself.
package amqpqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/oagudo/twopc"
	"github.com/oagudo/twopc/queue"
)

var errChannelClosed = errors.New("amqp channel closed")

// Channel is the subset of *amqp.Channel used by a session.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// Source opens sessions consuming from a single queue.
type Source struct {
	queue       string
	openChannel func() (Channel, error)
	logger      *zap.Logger
	now         func() time.Time
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

// New creates a Source consuming queueName over conn.
func New(conn *amqp.Connection, queueName string, opts ...Option) *Source {
	return newSource(queueName, func() (Channel, error) {
		return conn.Channel()
	}, opts...)
}

func newSource(queueName string, openChannel func() (Channel, error), opts ...Option) *Source {
	s := &Source{
		queue:       queueName,
		openChannel: openChannel,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session implements queue.Source.
func (s *Source) Session(_ context.Context, txID string) (queue.Session, error) {
	ch, err := s.openChannel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := ch.Consume(
		s.queue,
		txID,  // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consuming from %s: %w", s.queue, err)
	}

	return &Session{
		source:     s,
		txID:       txID,
		channel:    ch,
		deliveries: deliveries,
		closed:     make(chan struct{}),
	}, nil
}

// Session is a transactional session over one AMQP channel.
type Session struct {
	source     *Source
	txID       string
	channel    Channel
	deliveries <-chan amqp.Delivery

	mu       sync.Mutex
	received []amqp.Delivery
	ended    bool
	closed   chan struct{}
}

var _ queue.Session = (*Session)(nil)

func (s *Session) ID() string {
	return "amqp:" + s.source.queue
}

// Receive implements queue.Session.
func (s *Session) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, fmt.Errorf("receiving from %s: %w", s.source.queue, errChannelClosed)
		}
		return s.hold(d)
	case <-timer.C:
		return nil, nil
	case <-s.closed:
		return nil, queue.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) hold(d amqp.Delivery) (*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		_ = d.Nack(false, true)
		return nil, queue.ErrSessionClosed
	}
	s.received = append(s.received, d)

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}

	return &queue.Message{
		ID:          d.MessageId,
		Body:        d.Body,
		Headers:     headers,
		Redelivered: d.Redelivered,
		ReceivedAt:  s.source.now(),
	}, nil
}

// Prepare votes CANNOT_COMMIT when the channel was lost, since the broker has
// already requeued the delivery and an ack would fail.
func (s *Session) Prepare(_ context.Context) (twopc.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return twopc.VoteCannotCommit, queue.ErrSessionClosed
	}
	if s.channel.IsClosed() {
		return twopc.VoteCannotCommit, errChannelClosed
	}
	return twopc.VoteReady, nil
}

func (s *Session) Commit(_ context.Context) error {
	return s.end(func(d amqp.Delivery) error {
		return d.Ack(false)
	})
}

// Rollback requeues the received delivery. Calling it more than once has no further effect.
func (s *Session) Rollback(_ context.Context) error {
	return s.end(func(d amqp.Delivery) error {
		return d.Nack(false, true)
	})
}

func (s *Session) end(settle func(amqp.Delivery) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}
	s.ended = true
	close(s.closed)

	var errs []error
	for _, d := range s.received {
		if err := settle(d); err != nil {
			errs = append(errs, fmt.Errorf("settling delivery %d: %w", d.DeliveryTag, err))
		}
	}
	s.received = nil

	if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.source.logger.Warn("closing amqp channel",
			zap.String("tx", s.txID),
			zap.Error(err))
	}

	return errors.Join(errs...)
}
