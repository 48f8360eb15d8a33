package kafkaqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/oagudo/twopc"
	"github.com/oagudo/twopc/queue"
)

// fakeBroker keeps a single partition and the committed offset of the group.
type fakeBroker struct {
	mu        sync.Mutex
	log       []kafka.Message
	committed int64
	readers   int
	commitErr error
}

func (b *fakeBroker) produce(value string, headers ...kafka.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, kafka.Message{
		Topic:   "entity",
		Offset:  int64(len(b.log)),
		Value:   []byte(value),
		Headers: headers,
	})
}

func (b *fakeBroker) newReader() Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readers++
	return &fakeReader{broker: b, next: b.committed}
}

type fakeReader struct {
	broker *fakeBroker
	next   int64
	closed bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.broker.mu.Lock()
	if r.closed {
		r.broker.mu.Unlock()
		return kafka.Message{}, errors.New("reader closed")
	}
	if r.next < int64(len(r.broker.log)) {
		msg := r.broker.log[r.next]
		r.next++
		r.broker.mu.Unlock()
		return msg, nil
	}
	r.broker.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	if r.broker.commitErr != nil {
		return r.broker.commitErr
	}
	for _, msg := range msgs {
		if msg.Offset+1 > r.broker.committed {
			r.broker.committed = msg.Offset + 1
		}
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.closed = true
	return nil
}

func receive(t *testing.T, s queue.Session) *queue.Message {
	t.Helper()
	msg, err := s.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func TestCommitAdvancesGroupOffset(t *testing.T) {
	broker := &fakeBroker{}
	broker.produce("1", kafka.Header{Key: MessageIDHeader, Value: []byte("m-1")})
	broker.produce("2")
	src := newSource("entity", broker.newReader)

	s, err := src.Session(context.Background(), "tx-1")
	require.NoError(t, err)

	msg := receive(t, s)
	require.Equal(t, "m-1", msg.ID)
	require.Equal(t, []byte("1"), msg.Body)
	require.False(t, msg.Redelivered)

	vote, err := s.Prepare(context.Background())
	require.NoError(t, err)
	require.Equal(t, twopc.VoteReady, vote)
	require.NoError(t, s.Commit(context.Background()))
	require.Equal(t, int64(1), broker.committed)

	s, err = src.Session(context.Background(), "tx-2")
	require.NoError(t, err)
	msg = receive(t, s)
	require.Equal(t, "entity/0/1", msg.ID)
	require.NoError(t, s.Commit(context.Background()))
	require.Equal(t, 1, broker.readers)
}

func TestRollbackRedeliversFromCommittedOffset(t *testing.T) {
	broker := &fakeBroker{}
	broker.produce("1")
	broker.produce("2")
	src := newSource("entity", broker.newReader)

	s, err := src.Session(context.Background(), "tx-1")
	require.NoError(t, err)
	first := receive(t, s)
	require.NoError(t, s.Rollback(context.Background()))
	require.NoError(t, s.Rollback(context.Background()))
	require.Equal(t, 2, broker.readers)

	s, err = src.Session(context.Background(), "tx-2")
	require.NoError(t, err)
	again := receive(t, s)
	require.Equal(t, first.ID, again.ID)
	require.True(t, again.Redelivered)
	require.NoError(t, s.Commit(context.Background()))

	s, err = src.Session(context.Background(), "tx-3")
	require.NoError(t, err)
	next := receive(t, s)
	require.Equal(t, []byte("2"), next.Body)
	require.False(t, next.Redelivered)
	require.NoError(t, s.Commit(context.Background()))
}

func TestReceiveTimeoutReturnsNoMessage(t *testing.T) {
	broker := &fakeBroker{}
	src := newSource("entity", broker.newReader)

	s, err := src.Session(context.Background(), "tx-1")
	require.NoError(t, err)

	msg, err := s.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msg)

	// nothing fetched, the reader is kept
	require.NoError(t, s.Rollback(context.Background()))
	require.Equal(t, 1, broker.readers)
}

func TestSessionsAreExclusive(t *testing.T) {
	broker := &fakeBroker{}
	src := newSource("entity", broker.newReader)

	s, err := src.Session(context.Background(), "tx-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = src.Session(ctx, "tx-2")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, s.Commit(context.Background()))
	_, err = src.Session(context.Background(), "tx-3")
	require.NoError(t, err)
}

func TestCommitFailureRewindsReader(t *testing.T) {
	broker := &fakeBroker{commitErr: errors.New("rebalance in progress")}
	broker.produce("1")
	src := newSource("entity", broker.newReader)

	s, err := src.Session(context.Background(), "tx-1")
	require.NoError(t, err)
	receive(t, s)

	err = s.Commit(context.Background())
	require.ErrorContains(t, err, "rebalance in progress")

	broker.mu.Lock()
	broker.commitErr = nil
	broker.mu.Unlock()

	s, err = src.Session(context.Background(), "tx-2")
	require.NoError(t, err)
	msg := receive(t, s)
	require.Equal(t, []byte("1"), msg.Body)
	require.True(t, msg.Redelivered)
}

func TestNewRequiresGroup(t *testing.T) {
	_, err := New(kafka.ReaderConfig{Brokers: []string{"localhost:9092"}, Topic: "entity"})
	require.Error(t, err)
}

func TestClosedSourceRejectsSessions(t *testing.T) {
	broker := &fakeBroker{}
	src := newSource("entity", broker.newReader)

	require.NoError(t, src.Close())
	_, err := src.Session(context.Background(), "tx-1")
	require.ErrorIs(t, err, errReaderClosed)
}
