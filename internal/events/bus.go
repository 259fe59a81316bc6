// Package events publishes simulation events to Redis Streams.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/campus-world/internal/dialogue"
	"github.com/nidhogg/campus-world/internal/world"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event kinds, one stream each.
const (
	KindDialogue = "dialogue"
	KindExam     = "exam"
	KindDay      = "day"
)

const streamPrefix = "campus:events:"

// Event is one simulation event.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus publishes and reads events via Redis Streams.
type Bus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewBus connects to redisURL. Each stream is trimmed to about maxLen entries.
func NewBus(ctx context.Context, redisURL string, maxLen int64, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

// Stream is the stream name for kind.
func Stream(kind string) string { return streamPrefix + kind }

// Publish appends payload to kind's stream.
func (b *Bus) Publish(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	ev := Event{ID: uuid.NewString(), Kind: kind, Payload: data, Timestamp: time.Now()}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{Stream: Stream(kind), Values: map[string]any{"data": string(raw)}}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", args.Stream, err)
	}
	b.logger.Debug("published event", zap.String("kind", kind), zap.String("id", ev.ID))
	return nil
}

// Subscribe streams new events of kind until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, kind string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := Stream(kind)

	go func() {
		defer close(ch)
		lastID := "$"
		for ctx.Err() == nil {
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("read events", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}
			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					if ev, ok := decode(msg); ok {
						select {
						case ch <- ev:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return ch
}

// Recent returns up to n latest events of kind, newest first.
func (b *Bus) Recent(ctx context.Context, kind string, n int64) ([]*Event, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, Stream(kind), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", Stream(kind), err)
	}
	out := make([]*Event, 0, len(msgs))
	for _, m := range msgs {
		if ev, ok := decode(m); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func decode(msg redis.XMessage) (*Event, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, false
	}
	var ev Event
	if json.Unmarshal([]byte(data), &ev) != nil {
		return nil, false
	}
	return &ev, true
}

// OnDialogue publishes a finished dialogue.
func (b *Bus) OnDialogue(ctx context.Context, t *dialogue.Transcript) error {
	return b.Publish(ctx, KindDialogue, t)
}

// OnScore publishes a graded exam.
func (b *Bus) OnScore(ctx context.Context, s world.ExamScore) error {
	return b.Publish(ctx, KindExam, s)
}

// DayEnded is the payload of day events.
type DayEnded struct {
	Day  int    `json:"day"`
	Date string `json:"date"`
}

// OnDayEnd publishes the end of a simulated day.
func (b *Bus) OnDayEnd(ctx context.Context, day int, date time.Time) {
	if err := b.Publish(ctx, KindDay, DayEnded{Day: day, Date: date.Format(world.DateLayout)}); err != nil {
		b.logger.Warn("publish day end", zap.Error(err))
	}
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
