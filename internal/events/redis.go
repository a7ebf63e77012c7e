package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/steamtrader/internal/trade"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel = "steamtrader:events"
	DefaultStream  = "steamtrader:events:log"

	// streamMaxLen is the approximate bound enforced with XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// StreamMessage is one event read back from the stream.
type StreamMessage struct {
	ID    string
	Event trade.Event
}

// RedisBus feeds read replicas. Every event is published on a Pub/Sub
// channel for live consumers and appended to a capped stream so a replica
// can catch up after a restart.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	stream  string
	logger  *slog.Logger
}

// NewRedisBus connects to url (redis://...) and pings it.
func NewRedisBus(ctx context.Context, url string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisBusFromClient(rdb, logger), nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{rdb: rdb, channel: DefaultChannel, stream: DefaultStream, logger: logger}
}

// Emit implements trade.EventEmitter. Failures are logged; the transition
// that produced the event has already committed.
func (b *RedisBus) Emit(ctx context.Context, ev trade.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event not serializable", "type", ev.Type, "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("redis publish failed", "type", ev.Type, "tradeId", ev.TradeID, "error", err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"type": string(ev.Type), "payload": payload},
	}).Err()
	if err != nil {
		b.logger.Warn("redis stream append failed", "type", ev.Type, "tradeId", ev.TradeID, "error", err)
	}
}

// Subscribe returns live events until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan trade.Event, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}

	out := make(chan trade.Event, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev trade.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("malformed event on channel", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Replay reads up to count events after lastID ("0" for the beginning).
func (b *RedisBus) Replay(ctx context.Context, lastID string, count int) ([]StreamMessage, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", b.stream, err)
	}

	var out []StreamMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var ev trade.Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				continue
			}
			out = append(out, StreamMessage{ID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
