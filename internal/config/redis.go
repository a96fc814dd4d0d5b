package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient instantiates the process-wide Redis client from the broker
// settings and pings it. Unlike a cache client, the broker client is not
// optional: an unreachable server is returned as an error so startup fails.
func NewRedisClient(ctx context.Context, b BrokerConfig) (*redis.Client, error) {
	var tlsConf *tls.Config
	if b.RedisTLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      b.RedisAddr,
		Password:  b.RedisPassword,
		DB:        b.RedisDB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", b.RedisAddr, err)
	}
	return client, nil
}
