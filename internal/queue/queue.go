// Package queue defines the transport contract between the coordinator and
// the message broker: the two logical queues, the messages they carry, and
// the tagged outcomes a handler returns. Concrete transports live in the
// redisq and amqpq subpackages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-coordinator/internal/config"
)

// Logical queue names.
const (
	Request  = "REQUEST"
	Response = "RESPONSE"
)

// MaxPriority is the largest accepted priority. Lower values are dequeued
// first.
const MaxPriority = 1<<21 - 1

// MaxDelay is the longest accepted publish delay.
const MaxDelay = 7 * 24 * time.Hour

var (
	// ErrClosed is returned by Publish and Consume once Close was called.
	ErrClosed = errors.New("queue closed")
	// ErrJobNotFound is returned by failed-sideline operations for an
	// unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrGraceExceeded is returned by Close when in-flight handlers had to
	// be cancelled.
	ErrGraceExceeded = errors.New("shutdown grace exceeded; in-flight handlers cancelled")
)

// Verdict tells the transport what to do with a delivered job.
type Verdict uint8

const (
	// VerdictAck completes the job.
	VerdictAck Verdict = iota
	// VerdictRetry schedules another attempt with backoff, or sidelines the
	// job once its attempts are exhausted.
	VerdictRetry
	// VerdictPoison sidelines the job immediately.
	VerdictPoison
	// VerdictRelease hands the job back unacknowledged without consuming an
	// attempt. It is used when a handler is cancelled by shutdown.
	VerdictRelease
)

func (v Verdict) String() string {
	switch v {
	case VerdictAck:
		return "ack"
	case VerdictRetry:
		return "retry"
	case VerdictPoison:
		return "poison"
	case VerdictRelease:
		return "release"
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Outcome is the result of handling one job.
type Outcome struct {
	Verdict Verdict
	Err     error
}

// Ack completes the job.
func Ack() Outcome { return Outcome{Verdict: VerdictAck} }

// Retry asks for another attempt.
func Retry(err error) Outcome { return Outcome{Verdict: VerdictRetry, Err: err} }

// Poison sidelines the job without further attempts.
func Poison(err error) Outcome { return Outcome{Verdict: VerdictPoison, Err: err} }

// Release hands the job back for redelivery.
func Release(err error) Outcome { return Outcome{Verdict: VerdictRelease, Err: err} }

// Job is one delivery of a published payload.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Priority    int
	Attempt     int // 1 on first delivery
	MaxAttempts int
	EnqueuedAt  time.Time
}

// FailedJob is a job parked in the failed sideline.
type FailedJob struct {
	Job
	Reason   string
	FailedAt time.Time
}

// Handler processes one job. The context is cancelled when the handler
// timeout elapses or when shutdown gives up waiting.
type Handler func(ctx context.Context, job Job) Outcome

// PublishOptions carries the scheduling hints of one publish.
type PublishOptions struct {
	Priority int
	Delay    time.Duration
}

// Validate checks the priority range and delay sign.
func (o PublishOptions) Validate() error {
	if o.Priority < 0 || o.Priority > MaxPriority {
		return fmt.Errorf("priority %d out of range [0, %d]", o.Priority, MaxPriority)
	}
	if o.Delay < 0 {
		return fmt.Errorf("negative delay %s", o.Delay)
	}
	if o.Delay > MaxDelay {
		return fmt.Errorf("delay %s exceeds %s", o.Delay, MaxDelay)
	}
	return nil
}

// Stats are the counters of one queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Policy is the retry, retention and concurrency policy of a queue.
type Policy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	KeepCompleted  int
	KeepFailed     int
	Concurrency    int
	HandlerTimeout time.Duration
}

// PolicyFrom builds a Policy from queue configuration.
func PolicyFrom(c config.QueueConfig, handlerTimeout time.Duration) Policy {
	return Policy{
		MaxAttempts:    c.MaxAttempts,
		BackoffBase:    c.BackoffBase,
		KeepCompleted:  c.KeepCompleted,
		KeepFailed:     c.KeepFailed,
		Concurrency:    c.Concurrency,
		HandlerTimeout: handlerTimeout,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.HandlerTimeout <= 0 {
		p.HandlerTimeout = 30 * time.Second
	}
	if p.KeepCompleted < 0 {
		p.KeepCompleted = 0
	}
	if p.KeepFailed < 0 {
		p.KeepFailed = 0
	}
	return p
}

// Normalize fills unset fields with their defaults.
func (p Policy) Normalize() Policy { return p.withDefaults() }

// Backoff returns the delay before the attempt following attempt:
// base * 2^(attempt-1).
func (p Policy) Backoff(attempt int) time.Duration {
	return Backoff(p.BackoffBase, attempt)
}

// Backoff returns base * 2^(attempt-1), capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}

// Queue is one logical named queue. Implementations are safe for
// concurrent use.
type Queue interface {
	Name() string
	// Publish enqueues payload and returns the transport's job id.
	Publish(ctx context.Context, payload []byte, opts PublishOptions) (string, error)
	// Consume runs the queue's workers until ctx is done or Close is
	// called. Handlers run at least once per job until acknowledged.
	Consume(ctx context.Context, h Handler) error
	Stats(ctx context.Context) (Stats, error)
	// Failed lists up to limit sidelined jobs without removing them. The
	// order follows the backing store: redisq lists newest first, amqpq
	// oldest first.
	Failed(ctx context.Context, limit int) ([]FailedJob, error)
	RetryFailed(ctx context.Context, id string) error
	RemoveFailed(ctx context.Context, id string) error
	// Close refuses new publishes and waits for in-flight handlers. When
	// ctx is done first, the handlers are cancelled, their jobs released,
	// and ErrGraceExceeded is returned.
	Close(ctx context.Context) error
}

// Broker opens queues on one shared broker connection.
type Broker interface {
	Ping(ctx context.Context) error
	Queue(name string, p Policy) (Queue, error)
	Close() error
}
