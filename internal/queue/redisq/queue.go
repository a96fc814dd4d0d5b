// Package redisq implements the queue contract on Redis. Jobs live in
// sorted sets moved atomically by Lua scripts, which gives priority-FIFO
// ordering, delayed and backed-off retries, lock deadlines that let a
// restarted process reclaim jobs a crashed one never acknowledged, and
// bounded completed/failed history.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-coordinator/internal/queue"
)

// lockMargin is added to the handler timeout to form the lock deadline of
// an active job.
const lockMargin = 5 * time.Second

// settleTimeout bounds the script call that records a handler's outcome.
const settleTimeout = 5 * time.Second

// Queue is one logical queue stored under <prefix>:<name>.
type Queue struct {
	client redis.UniversalClient
	name   string
	policy queue.Policy
	poll   time.Duration
	log    zerolog.Logger
	now    func() time.Time

	keys keys

	mu        sync.Mutex
	closed    bool
	consuming bool
	stop      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup

	// handlerCtx parents every handler context; abort cancels it when
	// Close runs out of grace.
	handlerCtx context.Context
	abort      context.CancelFunc
}

type keys struct {
	id, wait, delayed, active, completed, failed, job string
}

func newKeys(prefix, name string) keys {
	base := prefix + ":" + name + ":"
	return keys{
		id:        base + "id",
		wait:      base + "wait",
		delayed:   base + "delayed",
		active:    base + "active",
		completed: base + "completed",
		failed:    base + "failed",
		job:       base + "job:",
	}
}

func newQueue(client redis.UniversalClient, prefix, name string, p queue.Policy, poll time.Duration, log zerolog.Logger) *Queue {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	hctx, abort := context.WithCancel(context.Background())
	return &Queue{
		client:     client,
		name:       name,
		policy:     p.Normalize(),
		poll:       poll,
		log:        log.With().Str("queue", name).Logger(),
		now:        time.Now,
		keys:       newKeys(prefix, name),
		stop:       make(chan struct{}),
		handlerCtx: hctx,
		abort:      abort,
	}
}

// Name returns the logical queue name.
func (q *Queue) Name() string { return q.name }

// Publish stores payload as a new job. Jobs with equal priority are
// delivered in publish order; a positive delay parks the job in the
// delayed set until it is due.
func (q *Queue) Publish(ctx context.Context, payload []byte, opts queue.PublishOptions) (string, error) {
	if q.isClosed() {
		return "", queue.ErrClosed
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}
	seq, err := q.client.Incr(ctx, q.keys.id).Result()
	if err != nil {
		return "", fmt.Errorf("publish %s: next id: %w", q.name, err)
	}
	id := strconv.FormatInt(seq, 10)
	now := q.now()
	readyAt := ""
	if opts.Delay > 0 {
		readyAt = strconv.FormatInt(now.Add(opts.Delay).UnixMilli(), 10)
	}
	err = publishScript.Run(ctx, q.client,
		[]string{q.keys.wait, q.keys.delayed, q.keys.job},
		id, payload, opts.Priority, waitScore(opts.Priority, seq), q.policy.MaxAttempts,
		now.UnixMilli(), readyAt,
	).Err()
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", q.name, err)
	}
	return id, nil
}

// waitScore orders the wait set by priority, then by publish sequence. The
// result stays below 2^53 so it is exact as a Redis double.
func waitScore(priority int, seq int64) string {
	return strconv.FormatUint(uint64(priority)<<32|uint64(seq)&0xffffffff, 10)
}

// Consume runs Policy.Concurrency workers until ctx is done or Close is
// called, then waits for them. A queue can be consumed once.
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
	q.workers.Add(q.policy.Concurrency)
	q.mu.Unlock()

	q.log.Info().Int("concurrency", q.policy.Concurrency).Msg("consumer started")
	for i := 0; i < q.policy.Concurrency; i++ {
		go q.work(ctx, h)
	}
	q.workers.Wait()
	q.log.Info().Msg("consumer stopped")
	return nil
}

func (q *Queue) work(ctx context.Context, h queue.Handler) {
	defer q.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		default:
		}
		job, ok, err := q.fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.log.Error().Err(err).Msg("fetch failed")
			}
			q.idle(ctx)
			continue
		}
		if !ok {
			q.idle(ctx)
			continue
		}
		q.process(h, job)
	}
}

func (q *Queue) idle(ctx context.Context) {
	t := time.NewTimer(q.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-q.stop:
	case <-t.C:
	}
}

func (q *Queue) fetch(ctx context.Context) (queue.Job, bool, error) {
	now := q.now()
	deadline := now.Add(q.policy.HandlerTimeout + lockMargin)
	res, err := fetchScript.Run(ctx, q.client,
		[]string{q.keys.wait, q.keys.active, q.keys.delayed, q.keys.job},
		now.UnixMilli(), deadline.UnixMilli(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return queue.Job{}, false, nil
	}
	if err != nil {
		return queue.Job{}, false, err
	}
	if len(res) < 6 {
		return queue.Job{}, false, fmt.Errorf("fetch: unexpected reply of %d fields", len(res))
	}
	job := queue.Job{ID: res[0], Queue: q.name, Payload: []byte(res[1])}
	job.Attempt, _ = strconv.Atoi(res[2])
	job.Priority, _ = strconv.Atoi(res[3])
	job.MaxAttempts, _ = strconv.Atoi(res[4])
	if ms, err := strconv.ParseInt(res[5], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return job, true, nil
}

// process runs the handler and records its outcome. A handler cancelled
// by shutdown has its job released, whatever it returned short of an ack.
func (q *Queue) process(h queue.Handler, job queue.Job) {
	ctx, cancel := context.WithTimeout(q.handlerCtx, q.policy.HandlerTimeout)
	out := q.invoke(ctx, h, job)
	cancel()

	if q.handlerCtx.Err() != nil && out.Verdict != queue.VerdictAck {
		out = queue.Release(out.Err)
	}
	l := q.log.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Str("verdict", out.Verdict.String()).Logger()

	sctx, scancel := context.WithTimeout(context.Background(), settleTimeout)
	defer scancel()
	if err := q.settle(sctx, job, out); err != nil {
		// The lock deadline will return the job to the wait set.
		l.Error().Err(err).Msg("settle failed")
		return
	}
	switch out.Verdict {
	case queue.VerdictAck:
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

func (q *Queue) settle(ctx context.Context, job queue.Job, out queue.Outcome) error {
	now := q.now()
	reason := ""
	if out.Err != nil {
		reason = out.Err.Error()
	}
	switch out.Verdict {
	case queue.VerdictAck:
		return ackScript.Run(ctx, q.client,
			[]string{q.keys.active, q.keys.completed, q.keys.job},
			job.ID, now.UnixMilli(), trimStop(q.policy.KeepCompleted)).Err()
	case queue.VerdictRelease:
		return releaseScript.Run(ctx, q.client,
			[]string{q.keys.active, q.keys.wait, q.keys.job}, job.ID).Err()
	case queue.VerdictRetry:
		if job.Attempt < job.MaxAttempts {
			readyAt := now.Add(q.policy.Backoff(job.Attempt))
			return retryScript.Run(ctx, q.client,
				[]string{q.keys.active, q.keys.delayed, q.keys.job},
				job.ID, readyAt.UnixMilli(), reason).Err()
		}
		reason = fmt.Sprintf("attempts exhausted (%d): %s", job.Attempt, reason)
	}
	return failScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.failed, q.keys.job},
		job.ID, now.UnixMilli(), reason, trimStop(q.policy.KeepFailed)).Err()
}

// trimStop is the ZRANGE stop index selecting everything but the newest
// keep members.
func trimStop(keep int) string { return strconv.Itoa(-(keep + 1)) }

// Stats returns the size of every set of the queue.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	pipe := q.client.Pipeline()
	wait := pipe.ZCard(ctx, q.keys.wait)
	active := pipe.ZCard(ctx, q.keys.active)
	completed := pipe.ZCard(ctx, q.keys.completed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, fmt.Errorf("stats %s: %w", q.name, err)
	}
	return queue.Stats{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// Failed lists up to limit sidelined jobs, newest first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]queue.FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, q.keys.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed %s: %w", q.name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.keys.job+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed %s: %w", q.name, err)
	}
	out := make([]queue.FailedJob, 0, len(ids))
	for i, id := range ids {
		h := cmds[i].Val()
		if len(h) == 0 {
			continue
		}
		fj := queue.FailedJob{
			Job:    queue.Job{ID: id, Queue: q.name, Payload: []byte(h["payload"])},
			Reason: h["reason"],
		}
		fj.Attempt, _ = strconv.Atoi(h["attempts"])
		fj.Priority, _ = strconv.Atoi(h["priority"])
		fj.MaxAttempts, _ = strconv.Atoi(h["max"])
		if ms, err := strconv.ParseInt(h["enqueued"], 10, 64); err == nil {
			fj.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
		if ms, err := strconv.ParseInt(h["finished"], 10, 64); err == nil {
			fj.FailedAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, fj)
	}
	return out, nil
}

// RetryFailed moves a sidelined job back to the wait set with a fresh
// attempt budget.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	n, err := retryFailedScript.Run(ctx, q.client,
		[]string{q.keys.failed, q.keys.wait, q.keys.job}, id).Int()
	if err != nil {
		return fmt.Errorf("retry failed %s/%s: %w", q.name, id, err)
	}
	if n == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

// RemoveFailed deletes a sidelined job.
func (q *Queue) RemoveFailed(ctx context.Context, id string) error {
	n, err := removeFailedScript.Run(ctx, q.client,
		[]string{q.keys.failed, q.keys.job}, id).Int()
	if err != nil {
		return fmt.Errorf("remove failed %s/%s: %w", q.name, id, err)
	}
	if n == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

// Close refuses new publishes, stops fetching and waits for in-flight
// handlers. When ctx is done first the handlers are cancelled and their
// jobs released back to the wait set.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.stop)
	})
	done := make(chan struct{})
	go func() {
		q.workers.Wait()
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
