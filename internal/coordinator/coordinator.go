// Package coordinator owns the lifecycle of the ticket generation pipeline:
// it opens the REQUEST and RESPONSE queues on a broker, runs the response
// consumer and the housekeeping loops, reports readiness and liveness, and
// shuts everything down in order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticket-coordinator/internal/config"
	"github.com/iliyamo/ticket-coordinator/internal/logging"
	"github.com/iliyamo/ticket-coordinator/internal/monitoring"
	"github.com/iliyamo/ticket-coordinator/internal/queue"
	"github.com/iliyamo/ticket-coordinator/internal/service"
)

// ExpiredMessage is the error_message of tickets swept by the generation
// timeout.
const ExpiredMessage = "generation_timeout"

var (
	// ErrNotStarted is returned by operations that need a started
	// coordinator.
	ErrNotStarted = errors.New("coordinator not started")
	// ErrUnknownQueue is returned by Queue for a name other than REQUEST
	// or RESPONSE.
	ErrUnknownQueue = errors.New("unknown queue")
)

// Store is the ticket state store as seen by the coordinator.
type Store interface {
	service.BatchStore
	service.ResponseStore
	ExpirePending(ctx context.Context, maxAge time.Duration, message string) (int64, error)
	ReclaimBatches(ctx context.Context, retention time.Duration) (int64, error)
	Close() error
}

// Config holds the policies and periods of one coordinator.
type Config struct {
	Instance          string // heartbeat key suffix; hostname-pid when empty
	Prefix            string
	Request           queue.Policy
	Response          queue.Policy
	PublishTimeout    time.Duration
	ShutdownGrace     time.Duration
	GenerationTimeout time.Duration
	SweepInterval     time.Duration
	BatchRetention    time.Duration
	HeartbeatInterval time.Duration
}

// ConfigFrom maps the application configuration onto a Config.
func ConfigFrom(c config.Config) Config {
	return Config{
		Prefix:            c.Broker.Prefix,
		Request:           queue.PolicyFrom(c.Request, c.Lifecycle.HandlerTimeout),
		Response:          queue.PolicyFrom(c.Response, c.Lifecycle.HandlerTimeout),
		PublishTimeout:    c.Lifecycle.PublishTimeout,
		ShutdownGrace:     c.Lifecycle.ShutdownGrace,
		GenerationTimeout: c.Lifecycle.GenerationTimeout,
		SweepInterval:     c.Lifecycle.SweepInterval,
		BatchRetention:    c.Lifecycle.BatchRetention,
		HeartbeatInterval: c.Lifecycle.HeartbeatInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Instance == "" {
		host, _ := os.Hostname()
		c.Instance = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Prefix == "" {
		c.Prefix = "tgc"
	}
	c.Request = c.Request.Normalize()
	c.Response = c.Response.Normalize()
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// Coordinator is the lifecycle manager. Build it with New, call Start
// once, and Shutdown once the process should stop.
type Coordinator struct {
	cfg     Config
	broker  queue.Broker
	store   Store
	beats   redis.Cmdable // nil: the heartbeat pings the broker instead
	log     zerolog.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	requests  queue.Queue
	responses queue.Queue
	accepter  *service.Accepter
	consumer  *service.ResponseConsumer

	ready    atomic.Bool
	lastBeat atomic.Int64 // unix nanoseconds of the last successful heartbeat

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// New returns an unstarted coordinator. beats may be nil.
func New(cfg Config, broker queue.Broker, store Store, beats redis.Cmdable, log zerolog.Logger, m *monitoring.Metrics) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		broker:  broker,
		store:   store,
		beats:   beats,
		log:     logging.Component(log, "coordinator"),
		metrics: m,
		now:     time.Now,
	}
}

// Start pings the broker, opens both queues, starts the response consumer
// and the background loops, and marks the coordinator ready. The loops
// outlive ctx; they stop in Shutdown.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.broker.Ping(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	var err error
	if c.requests, err = c.broker.Queue(queue.Request, c.cfg.Request); err != nil {
		return fmt.Errorf("open %s: %w", queue.Request, err)
	}
	if c.responses, err = c.broker.Queue(queue.Response, c.cfg.Response); err != nil {
		return fmt.Errorf("open %s: %w", queue.Response, err)
	}
	for _, q := range []queue.Queue{c.requests, c.responses} {
		if _, err := q.Stats(ctx); err != nil {
			return fmt.Errorf("queue %s not ready: %w", q.Name(), err)
		}
	}

	c.accepter = service.NewAccepter(c.store, c.requests, c.cfg.PublishTimeout, logging.Component(c.log, "accepter"), c.metrics)
	c.consumer = service.NewResponseConsumer(c.store, logging.Component(c.log, "response-consumer"), c.metrics)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(loopCtx)
	c.cancel, c.group = cancel, g

	g.Go(func() error {
		if err := c.responses.Consume(gctx, c.consumer.Handle); err != nil && !errors.Is(err, queue.ErrClosed) {
			return fmt.Errorf("consume %s: %w", queue.Response, err)
		}
		return nil
	})
	g.Go(func() error { return c.every(gctx, c.cfg.SweepInterval, c.sweep) })
	g.Go(func() error { return c.every(gctx, c.cfg.SweepInterval, c.reclaim) })
	g.Go(func() error { return c.every(gctx, c.cfg.HeartbeatInterval, c.collect) })
	c.beat(ctx)
	g.Go(func() error { return c.every(gctx, c.cfg.HeartbeatInterval, c.beat) })

	c.ready.Store(true)
	c.log.Info().Str("instance", c.cfg.Instance).Int("response_concurrency", c.cfg.Response.Concurrency).Msg("coordinator started")
	return nil
}

// Ready reports whether the coordinator accepts work.
func (c *Coordinator) Ready() bool { return c.ready.Load() }

// Alive reports whether a heartbeat succeeded within three intervals.
func (c *Coordinator) Alive() bool {
	last := c.lastBeat.Load()
	if last == 0 {
		return false
	}
	return c.now().Sub(time.Unix(0, last)) <= 3*c.cfg.HeartbeatInterval
}

// Accepter returns the request side. It is nil before Start.
func (c *Coordinator) Accepter() *service.Accepter { return c.accepter }

// Queue returns the named queue for the operator endpoints.
func (c *Coordinator) Queue(name string) (queue.Queue, error) {
	if c.requests == nil {
		return nil, ErrNotStarted
	}
	switch name {
	case queue.Request:
		return c.requests, nil
	case queue.Response:
		return c.responses, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
}

// Stats returns the counters of both queues keyed by queue name.
func (c *Coordinator) Stats(ctx context.Context) (map[string]queue.Stats, error) {
	if c.requests == nil {
		return nil, ErrNotStarted
	}
	out := make(map[string]queue.Stats, 2)
	for _, q := range []queue.Queue{c.requests, c.responses} {
		st, err := q.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", q.Name(), err)
		}
		out[q.Name()] = st
	}
	return out, nil
}

// Shutdown stops the pipeline:
//
//  1. readiness drops and the accepter refuses new batches;
//  2. the RESPONSE queue stops fetching and in-flight handlers get
//     ShutdownGrace to finish, after which they are cancelled and their
//     jobs released for redelivery;
//  3. the REQUEST queue closes;
//  4. the background loops stop;
//  5. the store and the broker are closed.
//
// ctx bounds the whole sequence in addition to the grace. Only the first
// call does the work; later calls return its result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { c.stopErr = c.shutdown(ctx) })
	return c.stopErr
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	c.ready.Store(false)
	c.log.Info().Dur("grace", c.cfg.ShutdownGrace).Msg("shutting down")
	if c.accepter != nil {
		c.accepter.Stop()
	}

	var errs []error
	if c.responses != nil {
		gctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
		if err := c.responses.Close(gctx); err != nil {
			c.log.Warn().Err(err).Msg("response consumer did not drain in time")
			errs = append(errs, fmt.Errorf("close %s: %w", queue.Response, err))
		}
		cancel()
	}
	if c.requests != nil {
		if err := c.requests.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", queue.Request, err))
		}
	}
	if c.cancel != nil {
		c.cancel()
		if err := c.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	c.lastBeat.Store(0)
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := c.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	c.log.Info().Msg("coordinator stopped")
	return errors.Join(errs...)
}

// every runs fn each interval until ctx is done. Failures of fn are
// logged by fn and never stop the loop.
func (c *Coordinator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	if c.cfg.GenerationTimeout <= 0 {
		return
	}
	n, err := c.store.ExpirePending(ctx, c.cfg.GenerationTimeout, ExpiredMessage)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error().Err(err).Msg("sweep pending tickets")
		}
		return
	}
	c.metrics.TicketsExpired(n)
	if n > 0 {
		c.log.Warn().Int64("tickets", n).Dur("timeout", c.cfg.GenerationTimeout).Msg("pending tickets expired")
	}
}

func (c *Coordinator) reclaim(ctx context.Context) {
	if c.cfg.BatchRetention <= 0 {
		return
	}
	n, err := c.store.ReclaimBatches(ctx, c.cfg.BatchRetention)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error().Err(err).Msg("reclaim batches")
		}
		return
	}
	c.metrics.BatchesReclaimed(n)
	if n > 0 {
		c.log.Info().Int64("batches", n).Msg("batches reclaimed")
	}
}

func (c *Coordinator) collect(ctx context.Context) {
	for _, q := range []queue.Queue{c.requests, c.responses} {
		st, err := q.Stats(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Str("queue", q.Name()).Msg("queue stats")
			}
			continue
		}
		c.metrics.ObserveQueue(q.Name(), st)
	}
}

func (c *Coordinator) heartbeatKey() string {
	return c.cfg.Prefix + ":heartbeat:" + c.cfg.Instance
}

// beat records liveness. With a Redis client it refreshes the instance
// key; otherwise it pings the broker.
func (c *Coordinator) beat(ctx context.Context) {
	now := c.now()
	var err error
	if c.beats != nil {
		err = c.beats.Set(ctx, c.heartbeatKey(), now.Unix(), 3*c.cfg.HeartbeatInterval).Err()
	} else {
		err = c.broker.Ping(ctx)
	}
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("heartbeat failed")
		}
		return
	}
	c.lastBeat.Store(now.UnixNano())
}
