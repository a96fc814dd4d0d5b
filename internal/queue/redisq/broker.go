package redisq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-coordinator/internal/queue"
)

// Broker hands out queues sharing one Redis client.
type Broker struct {
	client redis.UniversalClient
	prefix string
	poll   time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

// New returns a Broker namespacing its keys under prefix. poll is the
// idle period of workers finding the wait set empty.
func New(client redis.UniversalClient, prefix string, poll time.Duration, log zerolog.Logger) *Broker {
	if prefix == "" {
		prefix = "tgc"
	}
	return &Broker{
		client: client,
		prefix: prefix,
		poll:   poll,
		log:    log,
		queues: make(map[string]*Queue),
	}
}

// Ping checks that Redis answers.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Queue returns the named queue, creating it with p on first use. Later
// calls return the same queue and ignore p.
func (b *Broker) Queue(name string, p queue.Policy) (queue.Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("empty queue name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	q := newQueue(b.client, b.prefix, name, p, b.poll, b.log)
	b.queues[name] = q
	return q, nil
}

// Close closes the Redis client. Queues must be closed first.
func (b *Broker) Close() error { return b.client.Close() }
