package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventSink receives progress events. Publish must not block for long;
// errors are logged and never stop a run.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

const streamPrefix = "standards:progress:"

// streamMaxLen bounds each discipline stream.
const streamMaxLen = 10000

// RedisEventBus publishes events to one Redis Stream per discipline.
type RedisEventBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisEventBus connects to Redis and verifies the connection.
func NewRedisEventBus(redisURL string, logger *zap.Logger) (*RedisEventBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisEventBus{rdb: rdb, logger: logger}, nil
}

// NewRedisEventBusFromClient wraps an existing client.
func NewRedisEventBusFromClient(rdb *redis.Client, logger *zap.Logger) *RedisEventBus {
	return &RedisEventBus{rdb: rdb, logger: logger}
}

// Stream returns the stream key of a discipline.
func Stream(discipline string) string { return streamPrefix + discipline }

func (b *RedisEventBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := Stream(ev.Discipline)
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	b.logger.Debug("published progress",
		zap.String("discipline", ev.Discipline),
		zap.String("unit", ev.UnitID),
		zap.String("status", string(ev.Status)))
	return nil
}

// Subscribe reads a discipline's stream from the beginning. The channel
// closes when ctx is cancelled.
func (b *RedisEventBus) Subscribe(ctx context.Context, discipline string) <-chan Event {
	ch := make(chan Event, 16)
	stream := Stream(discipline)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			if ctx.Err() != nil {
				return
			}
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   50,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("progress stream read failed", zap.String("stream", stream), zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisEventBus) Close() error {
	return b.rdb.Close()
}
