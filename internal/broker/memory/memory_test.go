package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func dialDeclared(t *testing.T, b *Broker, q task.QueueDescriptor) broker.Session {
	t.Helper()
	s, err := b.Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.EnsureQueue(context.Background(), q))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func publish(t *testing.T, s broker.Session, q task.QueueDescriptor, body string) {
	t.Helper()
	require.NoError(t, s.Publish(context.Background(), q, broker.Message{
		ContentType: task.ContentType,
		Body:        []byte(body),
	}))
}

func receive(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func assertNoDelivery(t *testing.T, ch <-chan broker.Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %s", d.Body())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnsureQueue_Idempotent(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()
	s := dialDeclared(t, b, q)

	publish(t, s, q, `{"n":1}`)

	// A second declaration must neither fail nor reset the queue
	require.NoError(t, s.EnsureQueue(context.Background(), q))
	other := dialDeclared(t, b, q)
	require.NoError(t, other.EnsureQueue(context.Background(), q))

	assert.Equal(t, 1, b.Depth(q.Name()))
}

func TestEnsureQueue_Conflict(t *testing.T) {
	t.Parallel()

	t.Run("not durable", func(t *testing.T) {
		t.Parallel()

		b := newTestBroker()
		b.DeclareTransient(task.DefaultQueueName)

		s, err := b.Dial(context.Background())
		require.NoError(t, err)
		defer s.Close()

		err = s.EnsureQueue(context.Background(), task.DefaultQueueDescriptor())
		assert.ErrorIs(t, err, task.ErrQueueConflict)
	})

	t.Run("different dead-letter queue", func(t *testing.T) {
		t.Parallel()

		b := newTestBroker()
		dialDeclared(t, b, task.DefaultQueueDescriptor())

		other, err := task.NewQueueDescriptor(task.DefaultQueueName, "elsewhere")
		require.NoError(t, err)

		s, err := b.Dial(context.Background())
		require.NoError(t, err)
		defer s.Close()

		assert.ErrorIs(t, s.EnsureQueue(context.Background(), other), task.ErrQueueConflict)
	})
}

func TestConsume_FIFOAndPrefetch(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()
	s := dialDeclared(t, b, q)

	publish(t, s, q, `{"n":1}`)
	publish(t, s, q, `{"n":2}`)

	deliveries, err := s.Consume(context.Background(), q, 1)
	require.NoError(t, err)

	first := receive(t, deliveries)
	assert.Equal(t, `{"n":1}`, string(first.Body()))

	// prefetch 1: nothing more until the first is settled
	assertNoDelivery(t, deliveries)
	assert.Equal(t, 1, b.Unacked())

	require.NoError(t, first.Ack(context.Background()))

	second := receive(t, deliveries)
	assert.Equal(t, `{"n":2}`, string(second.Body()))
	require.NoError(t, second.Ack(context.Background()))

	assert.Equal(t, 0, b.Depth(q.Name()))
	assert.Equal(t, 0, b.Unacked())
}

func TestConsume_WaitsForPublish(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()
	s := dialDeclared(t, b, q)

	deliveries, err := s.Consume(context.Background(), q, 1)
	require.NoError(t, err)
	assertNoDelivery(t, deliveries)

	producer := dialDeclared(t, b, q)
	publish(t, producer, q, `{"late":true}`)

	d := receive(t, deliveries)
	assert.Equal(t, `{"late":true}`, string(d.Body()))
}

func TestDelivery_SettleOnce(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()
	s := dialDeclared(t, b, q)
	publish(t, s, q, `{"n":1}`)

	deliveries, err := s.Consume(context.Background(), q, 1)
	require.NoError(t, err)
	d := receive(t, deliveries)

	require.NoError(t, d.Ack(context.Background()))
	assert.ErrorIs(t, d.Ack(context.Background()), broker.ErrAlreadySettled)
	assert.ErrorIs(t, d.Reject(context.Background()), broker.ErrAlreadySettled)
}

func TestDelivery_RejectDeadLetters(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()
	s := dialDeclared(t, b, q)
	publish(t, s, q, `{"poison":true}`)

	deliveries, err := s.Consume(context.Background(), q, 1)
	require.NoError(t, err)
	require.NoError(t, receive(t, deliveries).Reject(context.Background()))

	assert.Equal(t, 0, b.Depth(q.Name()))
	assert.Equal(t, [][]byte{[]byte(`{"poison":true}`)}, b.Bodies(q.DeadLetter()))
}

func TestSessionDrop_Redelivers(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()

	crashing := dialDeclared(t, b, q)
	publish(t, crashing, q, `{"job":"resize"}`)

	deliveries, err := crashing.Consume(context.Background(), q, 1)
	require.NoError(t, err)
	d := receive(t, deliveries)
	assert.False(t, d.Redelivered())

	b.DropSessions()

	<-crashing.Done()
	assert.ErrorIs(t, crashing.Err(), task.ErrWorkerDisconnected)
	assert.ErrorIs(t, d.Ack(context.Background()), broker.ErrSessionClosed,
		"handles die with their session")

	// Channel closes once the session ends
	_, open := <-deliveries
	assert.False(t, open)

	fresh := dialDeclared(t, b, q)
	again, err := fresh.Consume(context.Background(), q, 1)
	require.NoError(t, err)

	redelivered := receive(t, again)
	assert.Equal(t, `{"job":"resize"}`, string(redelivered.Body()))
	assert.True(t, redelivered.Redelivered())
	require.NoError(t, redelivered.Ack(context.Background()))
}

func TestRestart_KeepsDurableMessages(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()
	s := dialDeclared(t, b, q)
	publish(t, s, q, `{"n":1}`)
	b.DeclareTransient("scratch")

	b.Restart()

	assert.Equal(t, 1, b.Depth(q.Name()))
	assert.Equal(t, 0, b.Sessions())

	s2 := dialDeclared(t, b, q)
	_, err := s2.Consume(context.Background(), q, 1)
	require.NoError(t, err)

	// the transient queue is gone, so a durable declaration now succeeds
	scratch, err := task.NewQueueDescriptor("scratch", "scratch.dlq")
	require.NoError(t, err)
	assert.NoError(t, s2.EnsureQueue(context.Background(), scratch))
}

func TestOffline(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()
	s := dialDeclared(t, b, q)

	b.SetOffline(true)

	_, err := b.Dial(context.Background())
	assert.ErrorIs(t, err, task.ErrBrokerUnavailable)

	err = s.Publish(context.Background(), q, broker.Message{Body: []byte(`{}`)})
	assert.ErrorIs(t, err, task.ErrBrokerUnavailable)

	b.SetOffline(false)
	_, err = b.Dial(context.Background())
	assert.NoError(t, err)
}

func TestConsume_ContextCancelReturnsMessage(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	q := task.DefaultQueueDescriptor()
	s := dialDeclared(t, b, q)
	publish(t, s, q, `{"n":1}`)

	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := s.Consume(ctx, q, 1)
	require.NoError(t, err)

	// Let the goroutine pop the message, then cancel without receiving it
	require.Eventually(t, func() bool { return b.Unacked() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	for range deliveries {
	}
	assert.Equal(t, 1, b.Depth(q.Name()))
	assert.Equal(t, 0, b.Unacked())
}
