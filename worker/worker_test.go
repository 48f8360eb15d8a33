package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oagudo/twopc"
	"github.com/oagudo/twopc/queue/memqueue"
)

type row struct {
	id        int32
	messageID string
}

// fakeStore keeps committed rows in memory. Failure counters apply to the next calls
// across all connections.
type fakeStore struct {
	mu   sync.Mutex
	rows []row

	connErr          error
	insertFailures   int
	prepareFailures  int
	commitErr        error
	opened, released int
}

func (s *fakeStore) Conn(_ context.Context, _ string) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connErr != nil {
		return nil, s.connErr
	}
	s.opened++
	return &fakeConn{store: s}, nil
}

func (s *fakeStore) committed() []row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]row(nil), s.rows...)
}

type fakeConn struct {
	store   *fakeStore
	pending []row
	ended   bool
}

func (c *fakeConn) ID() string { return "store" }

func (c *fakeConn) InsertMessage(_ context.Context, id int32, messageID string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.store.insertFailures > 0 {
		c.store.insertFailures--
		return errors.New("insert failed")
	}
	c.pending = append(c.pending, row{id, messageID})
	return nil
}

func (c *fakeConn) Prepare(_ context.Context) (twopc.Vote, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.store.prepareFailures > 0 {
		c.store.prepareFailures--
		return twopc.VoteCannotCommit, errors.New("prepare failed")
	}
	return twopc.VoteReady, nil
}

func (c *fakeConn) Commit(_ context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	c.release()
	if c.store.commitErr != nil {
		return c.store.commitErr
	}
	c.store.rows = append(c.store.rows, c.pending...)
	return nil
}

func (c *fakeConn) Rollback(_ context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	c.release()
	return nil
}

func (c *fakeConn) release() {
	if !c.ended {
		c.ended = true
		c.store.released++
	}
	c.pending = nil
}

func newTestLoop(t *testing.T, q *memqueue.Queue, store *fakeStore, opts ...Option) (*Loop, *twopc.Coordinator) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	coordinator := twopc.NewCoordinator(twopc.WithLogger(logger))

	opts = append([]Option{
		WithLogger(logger),
		WithReceiveWait(20 * time.Millisecond),
		WithFailureBackoff(twopc.Fixed(0)),
	}, opts...)
	return New(coordinator, q, store, opts...), coordinator
}

func TestTransferCommitsMessage(t *testing.T) {
	q := memqueue.New("to-queue")
	msgID := q.Publish([]byte("42"), nil)
	store := &fakeStore{}

	loop, coordinator := newTestLoop(t, q, store)
	stats, err := loop.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Stats{Received: 1, Committed: 1}, stats)
	require.Equal(t, []row{{42, msgID}}, store.committed())
	require.Equal(t, 0, q.Len())
	require.Equal(t, 0, q.InFlight())
	require.Equal(t, store.opened, store.released)
	require.Equal(t, 0, coordinator.Active())
}

func TestTransferRollsBackWhenStoreCannotPrepare(t *testing.T) {
	q := memqueue.New("to-queue")
	msgID := q.Publish([]byte("42"), nil)
	store := &fakeStore{prepareFailures: 1}

	loop, _ := newTestLoop(t, q, store, WithMaxMessages(1))
	stats, err := loop.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Stats{Received: 1, RolledBack: 1}, stats)
	require.Empty(t, store.committed())
	require.Equal(t, 1, q.Len())
	require.Equal(t, 0, q.InFlight())

	// the message is delivered again and transferred once the store recovers
	loop, _ = newTestLoop(t, q, store)
	stats, err = loop.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{Received: 1, Committed: 1}, stats)
	require.Equal(t, []row{{42, msgID}}, store.committed())
}

func TestTransferRetriesAfterInsertFailure(t *testing.T) {
	q := memqueue.New("to-queue")
	msgID := q.Publish([]byte("7"), nil)
	store := &fakeStore{insertFailures: 1}

	loop, _ := newTestLoop(t, q, store)
	stats, err := loop.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Stats{Received: 2, Committed: 1, RolledBack: 1}, stats)
	require.Equal(t, []row{{7, msgID}}, store.committed())
	require.Equal(t, store.opened, store.released)
}

func TestRunStopsWhenQueueIsEmpty(t *testing.T) {
	q := memqueue.New("to-queue")
	store := &fakeStore{}

	loop, coordinator := newTestLoop(t, q, store)
	stats, err := loop.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Stats{}, stats)
	require.Empty(t, store.committed())
	require.Equal(t, 1, store.opened)
	require.Equal(t, 1, store.released)
	require.Equal(t, 0, coordinator.Active())
}

func TestMalformedPayloadCommitsDefaultID(t *testing.T) {
	q := memqueue.New("to-queue")
	msgID := q.Publish([]byte("not a number"), nil)
	store := &fakeStore{}

	loop, _ := newTestLoop(t, q, store)
	stats, err := loop.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Stats{Received: 1, Committed: 1, Malformed: 1}, stats)
	require.Equal(t, []row{{0, msgID}}, store.committed())
}

func TestRunTransfersEveryMessageInOrder(t *testing.T) {
	q := memqueue.New("to-queue")
	var want []row
	for i := range 5 {
		id := q.Publish([]byte(fmt.Sprint(i+1)), nil)
		want = append(want, row{int32(i + 1), id})
	}
	store := &fakeStore{}

	loop, _ := newTestLoop(t, q, store)
	stats, err := loop.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Stats{Received: 5, Committed: 5}, stats)
	require.Equal(t, want, store.committed())
}

func TestRunReturnsHeuristicOutcome(t *testing.T) {
	q := memqueue.New("to-queue")
	q.Publish([]byte("1"), nil)
	q.Publish([]byte("2"), nil)
	store := &fakeStore{commitErr: errors.New("connection reset")}

	loop, _ := newTestLoop(t, q, store)
	stats, err := loop.Run(context.Background())
	require.ErrorIs(t, err, twopc.ErrHeuristicMixed)

	var hErr *twopc.HeuristicError
	require.ErrorAs(t, err, &hErr)
	require.Equal(t, []string{"memqueue:to-queue"}, hErr.Committed)

	// the loop stops at the first inconsistent outcome
	require.Equal(t, Stats{Received: 1}, stats)
	require.Equal(t, 1, q.Len())
}

func TestRunStopsWhenStoreIsUnavailable(t *testing.T) {
	q := memqueue.New("to-queue")
	q.Publish([]byte("1"), nil)
	store := &fakeStore{connErr: errors.New("too many connections")}

	loop, coordinator := newTestLoop(t, q, store)
	_, err := loop.Run(context.Background())
	require.ErrorIs(t, err, store.connErr)

	require.Equal(t, 1, q.Len())
	require.Equal(t, 0, coordinator.Active())
}

func TestRunStopsOnCancel(t *testing.T) {
	q := memqueue.New("to-queue")
	store := &fakeStore{}

	loop, coordinator := newTestLoop(t, q, store, WithReceiveWait(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	require.Equal(t, 0, coordinator.Active())
	require.Equal(t, store.opened, store.released)
}

func TestConcurrentLoopsTransferEachMessageOnce(t *testing.T) {
	q := memqueue.New("to-queue")
	const messages = 40
	for i := range messages {
		q.Publish([]byte(fmt.Sprint(i)), nil)
	}
	store := &fakeStore{}
	coordinator := twopc.NewCoordinator()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop := New(coordinator, q, store, WithReceiveWait(20*time.Millisecond))
			_, err := loop.Run(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	seen := map[int32]int{}
	for _, r := range store.committed() {
		seen[r.id]++
	}
	require.Len(t, seen, messages)
	for id, n := range seen {
		require.Equal(t, 1, n, "id %d", id)
	}
}
