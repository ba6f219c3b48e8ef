package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Broker over Redis lists and pub/sub. Queue
// addresses become list keys (RPUSH/BLPOP); BLPOP's multi-key form
// checks keys left to right, which gives tier priority for free.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	logger.Info("redis broker connected", "addr", opts.Addr, "db", opts.DB)
	return &Redis{client: client, logger: logger.With("component", "broker")}, nil
}

func (r *Redis) Publish(ctx context.Context, address string, payload []byte) error {
	if err := r.client.RPush(ctx, address, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", address, err)
	}
	return nil
}

func (r *Redis) Pop(ctx context.Context, addresses []string, wait time.Duration) (string, []byte, error) {
	// BLPOP treats sub-second timeouts as zero (block forever); clamp.
	if wait < time.Second {
		wait = time.Second
	}
	res, err := r.client.BLPop(ctx, wait, addresses...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, ErrNoMessage
		}
		return "", nil, fmt.Errorf("blpop: %w", err)
	}
	// res is [key, value]
	if len(res) != 2 {
		return "", nil, fmt.Errorf("blpop: unexpected reply of %d elements", len(res))
	}
	return res[0], []byte(res[1]), nil
}

func (r *Redis) Broadcast(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := r.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers
	// never miss broadcasts sent right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = pubsub.Close() }
	return out, stop, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
