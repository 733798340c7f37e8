package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisConnectTimeout = 10 * time.Second
	redisReadTimeout    = 5 * time.Second
	redisWriteTimeout   = 5 * time.Second
)

// RedisSink publishes snapshot records onto a Redis Stream, one XADD
// entry per trace/event/invalidation, for downstream consumers
// (dashboards, pipelines) tailing the stream.
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink connects to addr and targets the given stream.
func NewRedisSink(addr, stream string) (*RedisSink, error) {
	if stream == "" {
		return nil, fmt.Errorf("redis stream name is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  redisConnectTimeout,
		ReadTimeout:  redisReadTimeout,
		WriteTimeout: redisWriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisSink{client: client, stream: stream}, nil
}

// Export publishes every record in the snapshot.
func (s *RedisSink) Export(ctx context.Context, snap Snapshot) error {
	for _, tr := range snap.Traces {
		if err := s.add(ctx, "trace", tr); err != nil {
			return fmt.Errorf("failed to publish trace %s: %w", tr.ID, err)
		}
	}
	for _, ev := range snap.Events {
		if err := s.add(ctx, "event", ev); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
	}
	for _, inv := range snap.Invalidations {
		if err := s.add(ctx, "invalidation", inv); err != nil {
			return fmt.Errorf("failed to publish invalidation: %w", err)
		}
	}
	return nil
}

func (s *RedisSink) add(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type": kind,
			"data": string(data),
		},
	}).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
