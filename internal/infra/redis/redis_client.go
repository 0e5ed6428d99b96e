package redis

import (
	"context"
	"time"

	"llm-jobqueue/internal/config"

	"github.com/go-redis/redis/v8"
)

// Nil is returned by Get on a missing key.
var Nil = redis.Nil

type RedisClient interface {
	Ping(ctx context.Context) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (PubSub, error)
	Close() error
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

type PubSub interface {
	Messages() <-chan Message
	Close() error
}

var _ RedisClient = (*redClient)(nil)

type redClient struct {
	cli *redis.Client
}

func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redClient, error) {
	opts := &redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &redClient{cli: c}, nil
}

func (c *redClient) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *redClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.cli.Set(ctx, key, value, expiration).Err()
}

func (c *redClient) Get(ctx context.Context, key string) (string, error) {
	return c.cli.Get(ctx, key).Result()
}

func (c *redClient) Incr(ctx context.Context, key string) (int64, error) {
	return c.cli.Incr(ctx, key).Result()
}

func (c *redClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.cli.Expire(ctx, key, expiration).Err()
}

func (c *redClient) Del(ctx context.Context, keys ...string) error {
	return c.cli.Del(ctx, keys...).Err()
}

func (c *redClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.cli.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for the subscription to be confirmed before returning.
func (c *redClient) Subscribe(ctx context.Context, channel string) (PubSub, error) {
	ps := c.cli.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			out <- Message{Channel: m.Channel, Payload: m.Payload}
		}
	}()
	return &redPubSub{ps: ps, ch: out}, nil
}

func (c *redClient) Close() error { return c.cli.Close() }

type redPubSub struct {
	ps *redis.PubSub
	ch chan Message
}

func (p *redPubSub) Messages() <-chan Message { return p.ch }
func (p *redPubSub) Close() error             { return p.ps.Close() }
