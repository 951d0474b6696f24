package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis-backed broker.
type RedisConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Redis implements Broker on a single Redis instance. Queues use the
// LPUSH/BRPOP discipline; snapshots use SET with expiry.
type Redis struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (r *Redis) Client() *goredis.Client { return r.client }

// NewRedis connects and pings the server.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[broker] connected to redis at %s", cfg.Addr)
	return &Redis{client: client}, nil
}

func (r *Redis) Push(ctx context.Context, queue string, payload []byte) error {
	return r.client.LPush(ctx, queue, payload).Err()
}

func (r *Redis) PopBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("brpop %s: %w", queue, err)
	}
	// BRPOP returns [queue, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("brpop %s: unexpected reply length %d", queue, len(res))
	}
	return []byte(res[1]), nil
}

func (r *Redis) Pop(ctx context.Context, queue string) ([]byte, error) {
	res, err := r.client.RPop(ctx, queue).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("rpop %s: %w", queue, err)
	}
	return []byte(res), nil
}

func (r *Redis) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queue, err)
	}
	return n, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *Redis) PatternSubscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	pubsub := r.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	out := make(chan Message, 64)
	ch := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) SetKV(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) GetKV(ctx context.Context, key string) ([]byte, error) {
	res, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return []byte(res), nil
}

func (r *Redis) DeleteKV(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("del %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", pattern, err)
	}
	return keys, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
