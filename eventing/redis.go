package eventing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/condo-billing/generic"
)

// StreamClient is the part of *redis.Client the publisher uses.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends events to a Redis stream, one entry per event.
type RedisPublisher struct {
	client StreamClient
	stream string
	maxLen int64
}

type RedisOption func(*RedisPublisher)

// WithMaxLen caps the stream length (approximate trimming). Zero keeps
// every entry.
func WithMaxLen(n int64) RedisOption {
	return func(p *RedisPublisher) { p.maxLen = n }
}

func NewRedisPublisher(client StreamClient, stream string, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{client: client, stream: stream, maxLen: 100_000}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish XADDs the events in order and stops at the first failure, so a
// later event is never in the stream without the ones before it.
func (p *RedisPublisher) Publish(ctx context.Context, events []generic.DomainEvent) error {
	for _, e := range events {
		args, err := p.xaddArgs(e)
		if err != nil {
			return err
		}
		if err := p.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("eventing: xadd %s to %s: %w", e.Name, p.stream, err)
		}
	}
	return nil
}

func (p *RedisPublisher) xaddArgs(e generic.DomainEvent) (*redis.XAddArgs, error) {
	env, err := NewEnvelope(e)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("eventing: encode envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":     env.EventID,
			"event_type":   env.EventType,
			"aggregate_id": env.AggregateID,
			"envelope":     string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return args, nil
}

// NewRedisClient connects to url and checks the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("eventing: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("eventing: ping redis: %w", err)
	}
	return client, nil
}
