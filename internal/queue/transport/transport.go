// Package transport opens the queue.Broker selected by configuration.
package transport

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-coordinator/internal/config"
	"github.com/iliyamo/ticket-coordinator/internal/logging"
	"github.com/iliyamo/ticket-coordinator/internal/queue"
	"github.com/iliyamo/ticket-coordinator/internal/queue/amqpq"
	"github.com/iliyamo/ticket-coordinator/internal/queue/redisq"
)

// Open returns the broker of kind cfg.Kind. The Redis client is returned
// as well when one could be built: it carries the queues of the redis
// transport and is optional next to the amqp transport, where it only
// serves the heartbeat, the rate limiter and the response cache. Closing
// a redis broker closes the client; with amqp the caller closes it.
func Open(ctx context.Context, cfg config.BrokerConfig, log zerolog.Logger) (queue.Broker, *redis.Client, error) {
	switch cfg.Kind {
	case "redis":
		rdb, err := config.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return redisq.New(rdb, cfg.Prefix, cfg.PollInterval, logging.Component(log, "redisq")), rdb, nil
	case "amqp":
		rdb, err := config.NewRedisClient(ctx, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable; heartbeat falls back to broker ping, rate limiting and caching disabled")
			rdb = nil
		}
		return amqpq.New(amqpq.DialURL(cfg.AMQPURL), cfg.Prefix, logging.Component(log, "amqpq")), rdb, nil
	}
	return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
}
