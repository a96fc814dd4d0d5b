package amqpq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-coordinator/internal/queue"
)

func testPolicy() queue.Policy {
	return queue.Policy{
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		KeepCompleted:  5,
		KeepFailed:     20,
		Concurrency:    1,
		HandlerTimeout: time.Second,
	}
}

func open(t *testing.T, p queue.Policy) (*Queue, *fakeServer) {
	t.Helper()
	s := newFakeServer()
	b := New(s.dial, "test", zerolog.Nop())
	require.NoError(t, b.Ping(context.Background()))
	q, err := b.Queue(queue.Response, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return q.(*Queue), s
}

func delivery(s *fakeServer, id string, attempt int) amqp.Delivery {
	return toDelivery(s, "", 1, amqp.Publishing{
		MessageId: id,
		Headers:   amqp.Table{hdrAttempt: int32(attempt), hdrMax: int32(3), hdrPriority: int32(0)},
		Body:      []byte(`{}`),
	})
}

func TestQueue_DeclaresTopology(t *testing.T) {
	_, s := open(t, testPolicy())

	assert.Equal(t, amqp.Table{"x-max-priority": int32(10)}, s.declared["test.RESPONSE"])
	assert.Equal(t, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": "test.RESPONSE",
		"x-message-ttl":             int64(1000),
	}, s.declared["test.RESPONSE.retry.1"])
	assert.Equal(t, int64(1000), s.declared["test.RESPONSE.retry.1"]["x-message-ttl"])
	assert.Equal(t, int64(2000), s.declared["test.RESPONSE.retry.2"]["x-message-ttl"])
	assert.NotContains(t, s.declared, "test.RESPONSE.retry.3")
	assert.Equal(t, int64(20), s.declared["test.RESPONSE.failed"]["x-max-length"])
}

func TestBroker_QueueIsShared(t *testing.T) {
	s := newFakeServer()
	b := New(s.dial, "", zerolog.Nop())
	q1, err := b.Queue(queue.Request, testPolicy())
	require.NoError(t, err)
	q2, err := b.Queue(queue.Request, testPolicy())
	require.NoError(t, err)
	assert.Same(t, q1, q2)
	assert.Equal(t, "tgc.REQUEST", q1.(*Queue).main)
	assert.Equal(t, 1, s.dials)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Ping(context.Background()), queue.ErrClosed)
}

func TestPublish(t *testing.T) {
	q, s := open(t, testPolicy())
	ctx := context.Background()

	id, err := q.Publish(ctx, []byte(`{"kind":"REQUEST"}`), queue.PublishOptions{Priority: 2})
	require.NoError(t, err)
	_, err = q.Publish(ctx, []byte(`{}`), queue.PublishOptions{Priority: 500})
	require.NoError(t, err)
	_, err = q.Publish(ctx, []byte(`{}`), queue.PublishOptions{Delay: 1500 * time.Millisecond})
	require.NoError(t, err)

	main := s.published("test.RESPONSE")
	require.Len(t, main, 2)
	assert.Equal(t, id, main[0].MessageId)
	assert.Equal(t, uint8(8), main[0].Priority)
	assert.Equal(t, uint8(0), main[1].Priority)
	assert.Equal(t, amqp.Persistent, main[0].DeliveryMode)
	assert.Equal(t, int32(1), main[0].Headers[hdrAttempt])
	assert.Equal(t, int32(2), main[0].Headers[hdrPriority])

	delayed := s.published("test.RESPONSE.delay.1500")
	require.Len(t, delayed, 1)
	assert.Empty(t, delayed[0].Expiration)

	_, err = q.Publish(ctx, []byte(`{}`), queue.PublishOptions{Priority: -1})
	assert.Error(t, err)
}

func TestPublish_DelaysDoNotShareAQueue(t *testing.T) {
	q, s := open(t, testPolicy())
	ctx := context.Background()

	_, err := q.Publish(ctx, []byte(`{}`), queue.PublishOptions{Delay: time.Hour})
	require.NoError(t, err)
	_, err = q.Publish(ctx, []byte(`{}`), queue.PublishOptions{Delay: 100 * time.Millisecond})
	require.NoError(t, err)
	_, err = q.Publish(ctx, []byte(`{}`), queue.PublishOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	assert.Len(t, s.published("test.RESPONSE.delay.3600000"), 1)
	assert.Len(t, s.published("test.RESPONSE.delay.100"), 2)
	assert.Equal(t, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": "test.RESPONSE",
		"x-message-ttl":             int64(100),
		"x-expires":                 int64(60100),
	}, s.declared["test.RESPONSE.delay.100"])
	assert.Equal(t, int64(3600000), s.declared["test.RESPONSE.delay.3600000"]["x-message-ttl"])

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.Delayed)

	s.mu.Lock()
	delete(s.declared, "test.RESPONSE.delay.100")
	s.mu.Unlock()
	st, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Delayed)
}

func TestDelayBucket(t *testing.T) {
	assert.EqualValues(t, 100, delayBucket(time.Millisecond))
	assert.EqualValues(t, 1500, delayBucket(1500*time.Millisecond))
	assert.EqualValues(t, 10000, delayBucket(10*time.Second))
	assert.EqualValues(t, 11000, delayBucket(10*time.Second+time.Millisecond))
	assert.EqualValues(t, 120000, delayBucket(119500*time.Millisecond))
	assert.EqualValues(t, 660000, delayBucket(10*time.Minute+time.Second))
	assert.EqualValues(t, queue.MaxDelay.Milliseconds(), delayBucket(queue.MaxDelay))
}

func TestPublish_WaitsForConfirm(t *testing.T) {
	q, s := open(t, testPolicy())
	assert.Equal(t, 1, s.confirms)

	s.nack = true
	_, err := q.Publish(context.Background(), []byte(`{}`), queue.PublishOptions{})
	assert.ErrorIs(t, err, ErrNacked)
	assert.Empty(t, s.published("test.RESPONSE"))

	s.nack = false
	_, err = q.Publish(context.Background(), []byte(`{}`), queue.PublishOptions{})
	require.NoError(t, err)
	assert.Len(t, s.published("test.RESPONSE"), 1)
	assert.Equal(t, 2, s.confirms, "nacked channel is replaced by a fresh confirm-mode channel")
}

func TestProcess_NackedRepublishKeepsOriginal(t *testing.T) {
	q, s := open(t, testPolicy())
	s.nack = true
	q.process(func(context.Context, queue.Job) queue.Outcome {
		return queue.Retry(errors.New("db down"))
	}, delivery(s, "m1", 1))

	assert.Empty(t, s.ackedIDs())
	assert.Equal(t, []string{"m1"}, s.nackedIDs())
	assert.Empty(t, s.published("test.RESPONSE.retry.1"))
}

func TestPublish_FailureResetsChannel(t *testing.T) {
	q, s := open(t, testPolicy())
	s.publishErr = errors.New("channel closed")
	_, err := q.Publish(context.Background(), []byte(`{}`), queue.PublishOptions{})
	assert.ErrorContains(t, err, "channel closed")

	s.publishErr = nil
	_, err = q.Publish(context.Background(), []byte(`{}`), queue.PublishOptions{})
	assert.NoError(t, err)
}

func TestProcess_Outcomes(t *testing.T) {
	cases := []struct {
		name      string
		attempt   int
		out       queue.Outcome
		acked     bool
		nacked    bool
		routedTo  string
		reasonHas string
	}{
		{name: "ack", attempt: 1, out: queue.Ack(), acked: true},
		{name: "retry", attempt: 1, out: queue.Retry(errors.New("db down")), acked: true, routedTo: "test.RESPONSE.retry.1"},
		{name: "retry exhausted", attempt: 3, out: queue.Retry(errors.New("db down")), acked: true, routedTo: "test.RESPONSE.failed", reasonHas: "attempts exhausted (3)"},
		{name: "poison", attempt: 1, out: queue.Poison(errors.New("garbage")), acked: true, routedTo: "test.RESPONSE.failed", reasonHas: "garbage"},
		{name: "release", attempt: 1, out: queue.Release(nil), nacked: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, s := open(t, testPolicy())
			q.process(func(context.Context, queue.Job) queue.Outcome { return tc.out }, delivery(s, "m1", tc.attempt))

			if tc.acked {
				assert.Equal(t, []string{"m1"}, s.ackedIDs())
			}
			if tc.nacked {
				assert.Equal(t, []string{"m1"}, s.nackedIDs())
			}
			if tc.routedTo != "" {
				routed := s.published(tc.routedTo)
				require.Len(t, routed, 1)
				assert.Equal(t, "m1", routed[0].MessageId)
				if tc.reasonHas != "" {
					assert.Contains(t, routed[0].Headers[hdrReason], tc.reasonHas)
				}
			}
			st, err := q.Stats(context.Background())
			require.NoError(t, err)
			if tc.out.Verdict == queue.VerdictAck {
				assert.EqualValues(t, 1, st.Completed)
			}
		})
	}
}

func TestProcess_RetryIncrementsAttempt(t *testing.T) {
	q, s := open(t, testPolicy())
	q.process(func(context.Context, queue.Job) queue.Outcome {
		return queue.Retry(errors.New("x"))
	}, delivery(s, "m1", 2))

	routed := s.published("test.RESPONSE.retry.2")
	require.Len(t, routed, 1)
	assert.Equal(t, int32(3), routed[0].Headers[hdrAttempt])
}

func TestProcess_RepublishFailureRequeues(t *testing.T) {
	q, s := open(t, testPolicy())
	s.publishErr = errors.New("broker down")
	q.process(func(context.Context, queue.Job) queue.Outcome {
		return queue.Poison(errors.New("x"))
	}, delivery(s, "m1", 1))

	assert.Empty(t, s.ackedIDs())
	assert.Equal(t, []string{"m1"}, s.nackedIDs())
}

func TestProcess_PanicIsRetried(t *testing.T) {
	q, s := open(t, testPolicy())
	q.process(func(context.Context, queue.Job) queue.Outcome { panic("boom") }, delivery(s, "m1", 1))
	require.Len(t, s.published("test.RESPONSE.retry.1"), 1)
}

func TestConsume_HandlesUntilClose(t *testing.T) {
	q, s := open(t, testPolicy())
	ctx := context.Background()

	var seen atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(_ context.Context, job queue.Job) queue.Outcome {
			seen.Add(1)
			return queue.Ack()
		})
	}()

	s.deliver(amqp.Publishing{MessageId: "a", Headers: amqp.Table{hdrAttempt: int32(1)}})
	s.deliver(amqp.Publishing{MessageId: "b", Headers: amqp.Table{hdrAttempt: int32(1)}})
	require.Eventually(t, func() bool { return seen.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.ackedIDs()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Close(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}
	_, err := q.Publish(ctx, []byte(`{}`), queue.PublishOptions{})
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestClose_GraceExceededRequeues(t *testing.T) {
	p := testPolicy()
	p.HandlerTimeout = time.Minute
	q, s := open(t, p)
	ctx := context.Background()

	started := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, func(hctx context.Context, job queue.Job) queue.Outcome {
			close(started)
			<-hctx.Done()
			return queue.Retry(hctx.Err())
		})
	}()
	s.deliver(amqp.Publishing{MessageId: "slow", Headers: amqp.Table{hdrAttempt: int32(1)}})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	graceCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(graceCtx), queue.ErrGraceExceeded)
	assert.Equal(t, []string{"slow"}, s.nackedIDs())
	assert.Empty(t, s.ackedIDs())
	assert.Empty(t, s.published("test.RESPONSE.retry.1"))
}

func TestFailedSideline(t *testing.T) {
	q, s := open(t, testPolicy())
	ctx := context.Background()

	for _, id := range []string{"f1", "f2", "f3"} {
		q.process(func(context.Context, queue.Job) queue.Outcome {
			return queue.Poison(errors.New("bad " + id))
		}, delivery(s, id, 1))
	}

	failed, err := q.Failed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "f1", failed[0].ID)
	assert.Equal(t, "bad f1", failed[0].Reason)
	assert.False(t, failed[0].FailedAt.IsZero())

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.Failed)

	require.NoError(t, q.RetryFailed(ctx, "f2"))
	main := s.published("test.RESPONSE")
	require.Len(t, main, 1)
	assert.Equal(t, "f2", main[0].MessageId)
	assert.Equal(t, int32(1), main[0].Headers[hdrAttempt])
	assert.NotContains(t, main[0].Headers, hdrReason)

	require.NoError(t, q.RemoveFailed(ctx, "f3"))
	st, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Failed)
	assert.EqualValues(t, 1, st.Waiting)

	assert.ErrorIs(t, q.RemoveFailed(ctx, "nope"), queue.ErrJobNotFound)
	st, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Failed)
}

func TestBrokerPriority(t *testing.T) {
	assert.Equal(t, uint8(10), brokerPriority(0))
	assert.Equal(t, uint8(1), brokerPriority(9))
	assert.Equal(t, uint8(0), brokerPriority(10))
	assert.Equal(t, uint8(0), brokerPriority(queue.MaxPriority))
}

func TestHeaderInt(t *testing.T) {
	h := amqp.Table{"a": int32(3), "b": int64(4), "c": "x", "d": uint8(5)}
	assert.Equal(t, 3, headerInt(h, "a", 0))
	assert.Equal(t, 4, headerInt(h, "b", 0))
	assert.Equal(t, 7, headerInt(h, "c", 7))
	assert.Equal(t, 5, headerInt(h, "d", 0))
	assert.Equal(t, 1, headerInt(h, "missing", 1))
}
