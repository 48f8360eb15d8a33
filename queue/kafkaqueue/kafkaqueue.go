// Package kafkaqueue implements transactional queue sessions on a Kafka consumer group.
//
// Kafka tracks consumption with a committed offset per partition rather than with
// per-message acknowledgements. A session therefore holds the group reader exclusively
// from Session until Commit or Rollback. Commit commits the offset of the received
// messages. Rollback closes the reader and opens a new one, which resumes from the last
// committed offset and redelivers the rolled back messages.
package kafkaqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/oagudo/twopc"
	"github.com/oagudo/twopc/queue"
)

// MessageIDHeader is the header holding the message id. Messages without it are
// identified by topic, partition and offset.
const MessageIDHeader = "message_id"

var errReaderClosed = errors.New("kafka reader closed")

// Reader is the subset of *kafka.Reader used by a session.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source hands out the group reader to one session at a time.
type Source struct {
	topic     string
	newReader func() Reader
	logger    *zap.Logger
	now       func() time.Time

	lock chan struct{} // held by the active session

	mu         sync.Mutex
	reader     Reader
	rolledBack map[int]int64 // highest rolled back offset per partition
	closed     bool
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

// New creates a Source reading with the given consumer group configuration.
// config.GroupID is required, offsets are committed explicitly.
func New(config kafka.ReaderConfig, opts ...Option) (*Source, error) {
	if config.GroupID == "" {
		return nil, errors.New("kafka consumer group id is required")
	}
	config.CommitInterval = 0

	return newSource(config.Topic, func() Reader {
		return kafka.NewReader(config)
	}, opts...), nil
}

func newSource(topic string, newReader func() Reader, opts ...Option) *Source {
	s := &Source{
		topic:      topic,
		newReader:  newReader,
		logger:     zap.NewNop(),
		now:        time.Now,
		lock:       make(chan struct{}, 1),
		rolledBack: make(map[int]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session implements queue.Source. It blocks until the previous session ended or ctx is done.
func (s *Source) Session(ctx context.Context, txID string) (queue.Session, error) {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for kafka reader: %w", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		<-s.lock
		return nil, errReaderClosed
	}
	if s.reader == nil {
		s.reader = s.newReader()
	}

	return &Session{source: s, txID: txID, reader: s.reader}, nil
}

// Close closes the reader. Uncommitted messages are redelivered to the group.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

func (s *Source) release() {
	<-s.lock
}

// rewind replaces the reader so that the group resumes at its committed offsets.
func (s *Source) rewind(msgs []kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range msgs {
		if offset, ok := s.rolledBack[msg.Partition]; !ok || msg.Offset > offset {
			s.rolledBack[msg.Partition] = msg.Offset
		}
	}

	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	if !s.closed {
		s.reader = s.newReader()
	}
	return err
}

func (s *Source) redelivered(msg kafka.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset, ok := s.rolledBack[msg.Partition]
	return ok && msg.Offset <= offset
}

// Session is a transactional session holding the group reader.
type Session struct {
	source *Source
	txID   string
	reader Reader

	mu       sync.Mutex
	received []kafka.Message
	fetching bool
	ended    bool
}

var _ queue.Session = (*Session)(nil)

func (s *Session) ID() string {
	return "kafka:" + s.source.topic
}

// Receive implements queue.Session.
func (s *Session) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, queue.ErrSessionClosed
	}
	s.fetching = true
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msg, err := s.reader.FetchMessage(fetchCtx)

	s.mu.Lock()
	s.fetching = false
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching from %s: %w", s.source.topic, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		// the reader was rewound, this message will be fetched again
		return nil, queue.ErrSessionClosed
	}
	s.received = append(s.received, msg)

	return toMessage(msg, s.source.redelivered(msg), s.source.now()), nil
}

func toMessage(msg kafka.Message, redelivered bool, receivedAt time.Time) *queue.Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	id, ok := headers[MessageIDHeader]
	if !ok {
		id = msg.Topic + "/" + strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10)
	}

	return &queue.Message{
		ID:          id,
		Body:        msg.Value,
		Headers:     headers,
		Redelivered: redelivered,
		ReceivedAt:  receivedAt,
	}
}

func (s *Session) Prepare(_ context.Context) (twopc.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return twopc.VoteCannotCommit, queue.ErrSessionClosed
	}
	return twopc.VoteReady, nil
}

func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}
	s.ended = true
	defer s.source.release()

	if len(s.received) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, s.received...); err != nil {
		// the offsets stay behind, make the reader fetch the messages again
		_ = s.source.rewind(s.received)
		return fmt.Errorf("committing offsets: %w", err)
	}
	s.received = nil
	return nil
}

// Rollback rewinds the group reader. Calling it more than once has no further effect.
func (s *Session) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}
	s.ended = true
	defer s.source.release()

	// a fetch in flight may still advance the reader
	if len(s.received) == 0 && !s.fetching {
		return nil
	}
	if err := s.source.rewind(s.received); err != nil {
		s.source.logger.Warn("closing kafka reader",
			zap.String("tx", s.txID),
			zap.Error(err))
	}
	s.received = nil
	return nil
}
