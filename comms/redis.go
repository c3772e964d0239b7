package comms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "dispatch:events"

// RedisStreamLog appends events to a Redis stream with XADD. The stream is
// trimmed approximately to MaxLen entries when MaxLen is positive.
type RedisStreamLog struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamLog connects to addr and pings it.
func NewRedisStreamLog(ctx context.Context, addr, password string, db int, stream string, maxLen int64) (*RedisStreamLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamLog{client: client, stream: stream, maxLen: maxLen}, nil
}

// Append adds ev to the stream. The task code and type are stored as
// separate fields so consumers can filter without decoding the payload.
func (l *RedisStreamLog) Append(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]any{
			"type":      string(ev.Type),
			"task_code": ev.TaskCode,
			"event":     string(payload),
		},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	if err := l.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", l.stream, err)
	}
	return nil
}

// Recent returns up to n of the newest events, oldest first.
func (l *RedisStreamLog) Recent(ctx context.Context, n int64) ([]*Event, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", l.stream, err)
	}
	events := make([]*Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["event"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Close closes the Redis connection.
func (l *RedisStreamLog) Close() error { return l.client.Close() }
