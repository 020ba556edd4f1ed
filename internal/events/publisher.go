package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"gatehouse.dev/internal/obs"
)

// Publisher appends events to Redis streams.
type Publisher struct {
	rdb    redis.Cmdable
	maxLen int64
	log    *slog.Logger
}

// PublisherOption configures Publisher.
type PublisherOption func(*Publisher)

// WithMaxLen trims streams to roughly n entries on every append. Zero leaves them untrimmed.
func WithMaxLen(n int64) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.maxLen = n
		}
	}
}

// WithPublisherLogger overrides the logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPublisher returns a publisher writing through rdb.
func NewPublisher(rdb redis.Cmdable, opts ...PublisherOption) *Publisher {
	p := &Publisher{rdb: rdb, log: obs.Logger().With("module", "events")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish appends event to stream and returns the record id assigned by Redis.
func (p *Publisher) Publish(ctx context.Context, stream string, event any) (string, error) {
	values, err := Encode(event)
	if err != nil {
		obs.EventPublished(stream, err)
		return "", fmt.Errorf("%w: %w", ErrPublish, err)
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.rdb.XAdd(ctx, args).Result()
	obs.EventPublished(stream, err)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPublish, stream, err)
	}
	return id, nil
}

// Emit publishes without failing the caller. Errors are logged and "" is returned.
func (p *Publisher) Emit(ctx context.Context, stream string, event any) string {
	id, err := p.Publish(ctx, stream, event)
	if err != nil {
		p.log.ErrorContext(ctx, "publish event", "stream", stream, "error", err)
		return ""
	}
	p.log.DebugContext(ctx, "event published", "stream", stream, "record_id", id)
	return id
}
