package amqpq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-coordinator/internal/queue"
)

// Message headers set by the transport.
const (
	hdrAttempt  = "x-attempt"
	hdrPriority = "x-priority"
	hdrMax      = "x-max-attempts"
	hdrReason   = "x-failed-reason"
	hdrFailedAt = "x-failed-at"
)

// maxPriority is the x-max-priority of every main queue.
const maxPriority = 10

const maxReconnectBackoff = 30 * time.Second

// delayQueueIdle is how long an unused delay queue outlives its TTL.
const delayQueueIdle = time.Minute

// Queue is one logical queue and its retry, delay and failed queues.
type Queue struct {
	b      *Broker
	name   string
	policy queue.Policy
	log    zerolog.Logger
	now    func() time.Time

	main, failed string

	mu        sync.Mutex
	delays    map[int64]struct{} // delay queue TTLs published to, in ms
	closed    bool
	consuming bool
	stop      chan struct{}
	closeOnce sync.Once
	running   sync.WaitGroup

	handlerCtx context.Context
	abort      context.CancelFunc

	active    atomic.Int64
	completed atomic.Int64
}

func newQueue(b *Broker, name string, p queue.Policy) *Queue {
	base := b.prefix + "." + name
	hctx, abort := context.WithCancel(context.Background())
	return &Queue{
		b:          b,
		name:       name,
		policy:     p.Normalize(),
		log:        b.log.With().Str("queue", name).Logger(),
		now:        time.Now,
		main:       base,
		failed:     base + ".failed",
		delays:     make(map[int64]struct{}),
		stop:       make(chan struct{}),
		handlerCtx: hctx,
		abort:      abort,
	}
}

func (q *Queue) retryQueue(attempt int) string {
	return q.main + ".retry." + strconv.Itoa(attempt)
}

// deadLetterToMain returns queue arguments that route expired messages
// back to the main queue.
func (q *Queue) deadLetterToMain(ttl int64) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.main,
		"x-message-ttl":             ttl,
	}
}

// declare creates the queue topology. Declarations are idempotent.
func (q *Queue) declare(ch Channel) error {
	if _, err := ch.QueueDeclare(q.main, true, false, false, false,
		amqp.Table{"x-max-priority": int32(maxPriority)}); err != nil {
		return err
	}
	for attempt := 1; attempt < q.policy.MaxAttempts; attempt++ {
		ttl := q.policy.Backoff(attempt).Milliseconds()
		if _, err := ch.QueueDeclare(q.retryQueue(attempt), true, false, false, false, q.deadLetterToMain(ttl)); err != nil {
			return err
		}
	}
	_, err := ch.QueueDeclare(q.failed, true, false, false, false, amqp.Table{
		"x-max-length": int64(q.policy.KeepFailed),
		"x-overflow":   "drop-head",
	})
	return err
}

// delayBucket rounds d up to the TTL of the delay queue that holds it.
// All messages in one delay queue share its TTL, so they expire in
// publish order.
func delayBucket(d time.Duration) int64 {
	step := time.Minute
	switch {
	case d <= 10*time.Second:
		step = 100 * time.Millisecond
	case d <= 10*time.Minute:
		step = time.Second
	}
	return int64((d+step-1)/step*step) / int64(time.Millisecond)
}

func (q *Queue) delayQueue(ttl int64) string {
	return q.main + ".delay." + strconv.FormatInt(ttl, 10)
}

// declareDelay declares the delay queue for ttl. It is redeclared on every
// delayed publish so its x-expires countdown always outlasts the messages
// it holds.
func (q *Queue) declareDelay(ttl int64) func(Channel) error {
	return func(ch Channel) error {
		args := q.deadLetterToMain(ttl)
		args["x-expires"] = ttl + delayQueueIdle.Milliseconds()
		if _, err := ch.QueueDeclare(q.delayQueue(ttl), true, false, false, false, args); err != nil {
			return err
		}
		q.mu.Lock()
		q.delays[ttl] = struct{}{}
		q.mu.Unlock()
		return nil
	}
}

// Name returns the logical queue name.
func (q *Queue) Name() string { return q.name }

// Publish sends a persistent message and returns once the broker confirmed
// it. Priorities above maxPriority-1 share the lowest broker priority. A
// delayed message waits in the delay queue of its rounded-up delay.
func (q *Queue) Publish(ctx context.Context, payload []byte, opts queue.PublishOptions) (string, error) {
	if q.isClosed() {
		return "", queue.ErrClosed
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     brokerPriority(opts.Priority),
		MessageId:    id,
		Timestamp:    q.now().UTC(),
		Headers: amqp.Table{
			hdrAttempt:  int32(1),
			hdrPriority: int32(opts.Priority),
			hdrMax:      int32(q.policy.MaxAttempts),
		},
		Body: payload,
	}
	key := q.main
	var prepare func(Channel) error
	if opts.Delay > 0 {
		ttl := delayBucket(opts.Delay)
		key = q.delayQueue(ttl)
		prepare = q.declareDelay(ttl)
	}
	if err := q.b.publish(ctx, key, msg, prepare); err != nil {
		return "", fmt.Errorf("publish %s: %w", q.name, err)
	}
	return id, nil
}

// brokerPriority maps "lower is first" onto AMQP's "higher is first".
func brokerPriority(p int) uint8 {
	if p >= maxPriority {
		return 0
	}
	return uint8(maxPriority - p)
}

// Consume runs the consumer until ctx is done or Close is called. A lost
// connection or channel is reopened with doubling backoff.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrClosed
	}
	if q.consuming {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: already consuming", q.name)
	}
	q.consuming = true
	q.running.Add(1)
	q.mu.Unlock()
	defer q.running.Done()

	q.log.Info().Int("concurrency", q.policy.Concurrency).Msg("consumer started")
	backoff := time.Second
	for {
		err := q.consumeOnce(ctx, h)
		if err == nil || q.stopped(ctx) {
			q.log.Info().Msg("consumer stopped")
			return nil
		}
		q.log.Warn().Err(err).Dur("retry_in", backoff).Msg("consume loop ended; reconnecting")
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
		case <-q.stop:
		case <-t.C:
		}
		t.Stop()
		if backoff < maxReconnectBackoff {
			backoff *= 2
		}
	}
}

func (q *Queue) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-q.stop:
		return true
	default:
		return false
	}
}

// consumeOnce consumes on one channel. It returns nil when asked to stop
// and an error when the delivery stream broke.
func (q *Queue) consumeOnce(ctx context.Context, h queue.Handler) error {
	c, err := q.b.connection()
	if err != nil {
		return err
	}
	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(q.policy.Concurrency, 0, false); err != nil {
		q.log.Warn().Err(err).Msg("set QoS failed")
	}
	deliveries, err := ch.Consume(q.main, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	work := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < q.policy.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				q.process(h, d)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.stop:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			select {
			case work <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return nil
			case <-q.stop:
				_ = d.Nack(false, true)
				return nil
			}
		}
	}
}

func (q *Queue) process(h queue.Handler, d amqp.Delivery) {
	q.active.Add(1)
	defer q.active.Add(-1)

	job := q.toJob(d)
	ctx, cancel := context.WithTimeout(q.handlerCtx, q.policy.HandlerTimeout)
	out := q.invoke(ctx, h, job)
	cancel()
	if q.handlerCtx.Err() != nil && out.Verdict != queue.VerdictAck {
		out = queue.Release(out.Err)
	}

	l := q.log.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Str("verdict", out.Verdict.String()).Logger()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := q.settle(sctx, d, job, out); err != nil {
		l.Error().Err(err).Msg("settle failed; message requeued")
		_ = d.Nack(false, true)
		return
	}
	switch out.Verdict {
	case queue.VerdictAck:
		q.completed.Add(1)
		l.Debug().Msg("job completed")
	case queue.VerdictRelease:
		l.Warn().AnErr("cause", out.Err).Msg("job released")
	default:
		l.Warn().Err(out.Err).Msg("job not completed")
	}
}

func (q *Queue) invoke(ctx context.Context, h queue.Handler, job queue.Job) (out queue.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Str("job_id", job.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panic")
			out = queue.Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, job)
}

// settle acts on the outcome. Retries and failures are republished, and
// confirmed by the broker, before the original delivery is acknowledged,
// so a crash in between duplicates rather than loses the message.
func (q *Queue) settle(ctx context.Context, d amqp.Delivery, job queue.Job, out queue.Outcome) error {
	reason := ""
	if out.Err != nil {
		reason = out.Err.Error()
	}
	switch out.Verdict {
	case queue.VerdictAck:
		return d.Ack(false)
	case queue.VerdictRelease:
		return d.Nack(false, true)
	case queue.VerdictRetry:
		if job.Attempt < job.MaxAttempts {
			msg := republish(d)
			msg.Headers[hdrAttempt] = int32(job.Attempt + 1)
			msg.Headers[hdrReason] = reason
			if err := q.b.publish(ctx, q.retryQueue(job.Attempt), msg, nil); err != nil {
				return err
			}
			return d.Ack(false)
		}
		reason = fmt.Sprintf("attempts exhausted (%d): %s", job.Attempt, reason)
	}
	msg := republish(d)
	msg.Headers[hdrReason] = reason
	msg.Headers[hdrFailedAt] = q.now().UTC().UnixMilli()
	if err := q.b.publish(ctx, q.failed, msg, nil); err != nil {
		return err
	}
	return d.Ack(false)
}

// republish copies a delivery into a new persistent publishing.
func republish(d amqp.Delivery) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     d.Priority,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Headers:      headers,
		Body:         d.Body,
	}
}

func (q *Queue) toJob(d amqp.Delivery) queue.Job {
	job := queue.Job{
		ID:          d.MessageId,
		Queue:       q.name,
		Payload:     d.Body,
		Priority:    headerInt(d.Headers, hdrPriority, 0),
		Attempt:     headerInt(d.Headers, hdrAttempt, 1),
		MaxAttempts: headerInt(d.Headers, hdrMax, q.policy.MaxAttempts),
		EnqueuedAt:  d.Timestamp,
	}
	if job.ID == "" {
		job.ID = strconv.FormatUint(d.DeliveryTag, 10)
	}
	return job
}

func headerInt(h amqp.Table, key string, def int) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	}
	return def
}

// Stats reads ready counts from the broker. Active and completed are this
// process's own counters.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	if err := ctx.Err(); err != nil {
		return queue.Stats{}, err
	}
	var st queue.Stats
	err := q.b.withChannel(func(ch Channel) error {
		count := func(name string) (int64, error) {
			info, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
			if err != nil {
				return 0, fmt.Errorf("inspect %s: %w", name, err)
			}
			return int64(info.Messages), nil
		}
		var err error
		if st.Waiting, err = count(q.main); err != nil {
			return err
		}
		if st.Failed, err = count(q.failed); err != nil {
			return err
		}
		for attempt := 1; attempt < q.policy.MaxAttempts; attempt++ {
			n, err := count(q.retryQueue(attempt))
			if err != nil {
				return err
			}
			st.Delayed += n
		}
		return nil
	})
	if err != nil {
		return queue.Stats{}, err
	}
	st.Delayed += q.delayedCount(ctx)
	st.Active = q.active.Load()
	st.Completed = q.completed.Load()
	return st, nil
}

// delayedCount sums the delay queues this process published to. A failed
// passive declare closes the channel, so each queue gets its own; a queue
// that cannot be inspected has expired and is forgotten.
func (q *Queue) delayedCount(ctx context.Context) int64 {
	q.mu.Lock()
	ttls := make([]int64, 0, len(q.delays))
	for ttl := range q.delays {
		ttls = append(ttls, ttl)
	}
	q.mu.Unlock()

	var total int64
	for _, ttl := range ttls {
		if ctx.Err() != nil {
			break
		}
		err := q.b.withChannel(func(ch Channel) error {
			info, err := ch.QueueDeclarePassive(q.delayQueue(ttl), true, false, false, false, nil)
			if err != nil {
				return err
			}
			total += int64(info.Messages)
			return nil
		})
		if err != nil {
			q.mu.Lock()
			delete(q.delays, ttl)
			q.mu.Unlock()
		}
	}
	return total
}

// Failed previews up to limit sidelined messages, oldest first. The
// messages stay in the sideline.
func (q *Queue) Failed(ctx context.Context, limit int) ([]queue.FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []queue.FailedJob
	err := q.scanFailed(ctx, func(d amqp.Delivery) (bool, bool, error) {
		out = append(out, q.toFailed(d))
		return false, len(out) >= limit, nil
	})
	return out, err
}

// RetryFailed moves the sidelined message with the given id back to the
// main queue with a fresh attempt budget.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	return q.takeFailed(ctx, id, func(d amqp.Delivery) error {
		msg := republish(d)
		msg.Headers[hdrAttempt] = int32(1)
		delete(msg.Headers, hdrReason)
		delete(msg.Headers, hdrFailedAt)
		return q.b.publish(ctx, q.main, msg, nil)
	})
}

// RemoveFailed drops the sidelined message with the given id.
func (q *Queue) RemoveFailed(ctx context.Context, id string) error {
	return q.takeFailed(ctx, id, func(amqp.Delivery) error { return nil })
}

func (q *Queue) takeFailed(ctx context.Context, id string, fn func(amqp.Delivery) error) error {
	found := false
	err := q.scanFailed(ctx, func(d amqp.Delivery) (bool, bool, error) {
		if d.MessageId != id {
			return false, false, nil
		}
		if err := fn(d); err != nil {
			return false, true, err
		}
		found = true
		return true, true, d.Ack(false)
	})
	if err != nil {
		return err
	}
	if !found {
		return queue.ErrJobNotFound
	}
	return nil
}

// scanFailed fetches sidelined messages one by one and hands them to
// visit, which reports whether it settled the message and whether to stop.
// Unsettled messages are requeued once the scan ends.
func (q *Queue) scanFailed(ctx context.Context, visit func(amqp.Delivery) (settled, stop bool, err error)) error {
	return q.b.withChannel(func(ch Channel) error {
		var held []amqp.Delivery
		defer func() {
			for _, d := range held {
				_ = d.Nack(false, true)
			}
		}()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, ok, err := ch.Get(q.failed, false)
			if err != nil {
				return fmt.Errorf("get %s: %w", q.failed, err)
			}
			if !ok {
				return nil
			}
			settled, stop, err := visit(d)
			if !settled {
				held = append(held, d)
			}
			if err != nil || stop {
				return err
			}
		}
	})
}

func (q *Queue) toFailed(d amqp.Delivery) queue.FailedJob {
	fj := queue.FailedJob{Job: q.toJob(d)}
	if r, ok := d.Headers[hdrReason].(string); ok {
		fj.Reason = r
	}
	if ms := headerInt(d.Headers, hdrFailedAt, 0); ms > 0 {
		fj.FailedAt = time.UnixMilli(int64(ms)).UTC()
	}
	return fj
}

// Close refuses new publishes, stops consuming and waits for in-flight
// handlers. When ctx is done first the handlers are cancelled and their
// messages requeued.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.stop)
	})
	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.abort()
		return nil
	case <-ctx.Done():
		q.abort()
		<-done
		return queue.ErrGraceExceeded
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
