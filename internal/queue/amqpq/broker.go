// Package amqpq implements the queue contract on RabbitMQ.
//
// Each logical queue N is a small topology of durable queues:
//
//	<prefix>.N          main queue, x-max-priority=10
//	<prefix>.N.retry.K  holds attempt K's retry for Backoff(K), then
//	                    dead-letters back to the main queue
//	<prefix>.N.delay.D  holds delayed publishes for D milliseconds, then
//	                    dead-letters back to the main queue; declared on
//	                    demand and removed by the broker once idle
//	<prefix>.N.failed   failed sideline, bounded by x-max-length
//
// Every publish waits for the broker's confirm, so a nil error means the
// message was persisted. Completed messages are gone once acknowledged;
// the completed count in Stats is the number acknowledged by this process.
package amqpq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-coordinator/internal/queue"
)

// ErrNacked is returned when the broker refused to take a published
// message.
var ErrNacked = errors.New("publish nacked by broker")

// Channel is the subset of *amqp.Channel used by the transport, plus a
// confirmed publish.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	// Confirm puts the channel in publisher-confirm mode.
	Confirm(noWait bool) error
	// PublishConfirmed publishes msg to key through the default exchange
	// and blocks until the broker acks or nacks it. The channel must be in
	// confirm mode.
	PublishConfirmed(ctx context.Context, key string, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// Connection is the subset of *amqp.Connection used by the transport.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// DialFunc opens a broker connection.
type DialFunc func() (Connection, error)

// DialURL returns a DialFunc connecting to url.
func DialURL(url string) DialFunc {
	return func() (Connection, error) {
		c, err := amqp.Dial(url)
		if err != nil {
			return nil, err
		}
		return amqpConn{c}, nil
	}
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct{ *amqp.Channel }

func (c amqpChannel) PublishConfirmed(ctx context.Context, key string, msg amqp.Publishing) error {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, "", key, false, false, msg)
	if err != nil {
		return err
	}
	if dc == nil {
		return errors.New("channel not in confirm mode")
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// Broker shares one connection and one publishing channel between queues.
// Both are reopened lazily after a failure.
type Broker struct {
	dial   DialFunc
	prefix string
	log    zerolog.Logger

	mu     sync.Mutex
	conn   Connection
	pub    Channel
	queues map[string]*Queue
	closed bool
}

// New returns a Broker naming its queues under prefix.
func New(dial DialFunc, prefix string, log zerolog.Logger) *Broker {
	if prefix == "" {
		prefix = "tgc"
	}
	return &Broker{dial: dial, prefix: prefix, log: log, queues: make(map[string]*Queue)}
}

// Ping connects if needed and opens the publishing channel.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.publisherLocked()
	return err
}

// Queue declares the topology of the named queue on first use and returns
// it. Later calls return the same queue and ignore p.
func (b *Broker) Queue(name string, p queue.Policy) (queue.Queue, error) {
	if name == "" {
		return nil, errors.New("empty queue name")
	}
	b.mu.Lock()
	if q, ok := b.queues[name]; ok {
		b.mu.Unlock()
		return q, nil
	}
	b.mu.Unlock()

	q := newQueue(b, name, p)
	if err := b.withChannel(q.declare); err != nil {
		return nil, fmt.Errorf("declare %s: %w", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.queues[name]; ok {
		return existing, nil
	}
	b.queues[name] = q
	return q, nil
}

// Close closes the publishing channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (b *Broker) connectionLocked() (Connection, error) {
	if b.closed {
		return nil, queue.ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	b.pub = nil
	c, err := b.dial()
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	b.conn = c
	return c, nil
}

func (b *Broker) connection() (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectionLocked()
}

func (b *Broker) publisherLocked() (Channel, error) {
	c, err := b.connectionLocked()
	if err != nil {
		return nil, err
	}
	if b.pub != nil {
		return b.pub, nil
	}
	ch, err := c.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	b.pub = ch
	return ch, nil
}

// publish sends msg to the named queue through the default exchange and
// waits for the broker's confirm. When prepare is set it runs first on
// the same channel. A failed publish drops the channel so the next call
// opens a fresh one.
func (b *Broker) publish(ctx context.Context, key string, msg amqp.Publishing, prepare func(Channel) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.publisherLocked()
	if err != nil {
		return err
	}
	if prepare != nil {
		err = prepare(ch)
	}
	if err == nil {
		err = ch.PublishConfirmed(ctx, key, msg)
	}
	if err != nil {
		_ = ch.Close()
		b.pub = nil
		return err
	}
	return nil
}

// withChannel runs fn on a short-lived channel. Closing the channel
// returns any message fn fetched without settling it.
func (b *Broker) withChannel(fn func(Channel) error) error {
	c, err := b.connection()
	if err != nil {
		return err
	}
	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	return fn(ch)
}
