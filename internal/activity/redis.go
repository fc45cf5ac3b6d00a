package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "deadswitch-activity"

// RedisConfig configures a RedisPublisher. Client overrides Address.
type RedisConfig struct {
	Address string
	Channel string
	Client  *goredis.Client
}

// RedisPublisher publishes JSON events on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *goredis.Client
	channel string
	owned   bool
}

// NewRedisPublisher connects to Redis and verifies the connection with PING.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if cfg.Client != nil {
		return &RedisPublisher{rdb: cfg.Client, channel: channel}, nil
	}
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errors.New("activity: redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        address,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{rdb: rdb, channel: channel, owned: true}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.rdb == nil {
		return errors.New("activity: redis publisher not initialized")
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}
	return p.rdb.Publish(ctx, p.channel, raw).Err()
}

// Close releases the client if the publisher created it.
func (p *RedisPublisher) Close() error {
	if p == nil || p.rdb == nil || !p.owned {
		return nil
	}
	return p.rdb.Close()
}
