package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gatehouse.dev/internal/obs"
)

const (
	defaultPollTimeout   = time.Second
	defaultBatch         = 10
	defaultClaimMinIdle  = 30 * time.Second
	defaultMaxDeliveries = 5
	deadLetterSuffix     = ":dead"
)

// Handler processes one record. A nil return acks it; an error leaves it pending for redelivery.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Typed decodes each payload into T before calling fn.
func Typed[T any](fn func(ctx context.Context, id string, event T) error) Handler {
	return HandlerFunc(func(ctx context.Context, env Envelope) error {
		var event T
		if err := env.Decode(&event); err != nil {
			return err
		}
		return fn(ctx, env.ID, event)
	})
}

// Consumer reads one stream as a member of a consumer group.
type Consumer struct {
	rdb           redis.Cmdable
	stream        string
	group         string
	name          string
	handler       Handler
	pollTimeout   time.Duration
	batch         int64
	claimMinIdle  time.Duration
	maxDeliveries int64
	deadLetter    string
	log           *slog.Logger
}

// ConsumerOption configures Consumer.
type ConsumerOption func(*Consumer)

// WithPollTimeout bounds how long one read blocks waiting for new records.
func WithPollTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithBatch sets how many records one read or reclaim returns at most.
func WithBatch(n int64) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.batch = n
		}
	}
}

// WithClaimMinIdle sets how long a record must sit unacked before another poll reclaims it.
// A negative value disables reclaiming.
func WithClaimMinIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.claimMinIdle = d }
}

// WithMaxDeliveries moves records to the dead-letter stream once delivered more than n times.
// Zero retries forever.
func WithMaxDeliveries(n int64) ConsumerOption {
	return func(c *Consumer) {
		if n >= 0 {
			c.maxDeliveries = n
		}
	}
}

// WithDeadLetterStream overrides the default "<stream>:dead".
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		if s := strings.TrimSpace(stream); s != "" {
			c.deadLetter = s
		}
	}
}

// WithConsumerName overrides the generated "worker-<uuid>" name.
func WithConsumerName(name string) ConsumerOption {
	return func(c *Consumer) {
		if n := strings.TrimSpace(name); n != "" {
			c.name = n
		}
	}
}

// WithConsumerLogger overrides the logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.log = l
		}
	}
}

// NewConsumer validates its arguments and returns a consumer.
func NewConsumer(rdb redis.Cmdable, stream, group string, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if rdb == nil {
		return nil, errors.New("events: redis client is required")
	}
	if strings.TrimSpace(stream) == "" || strings.TrimSpace(group) == "" {
		return nil, errors.New("events: stream and group are required")
	}
	if handler == nil {
		return nil, errors.New("events: handler is required")
	}
	c := &Consumer{
		rdb:           rdb,
		stream:        stream,
		group:         group,
		name:          "worker-" + uuid.NewString(),
		handler:       handler,
		pollTimeout:   defaultPollTimeout,
		batch:         defaultBatch,
		claimMinIdle:  defaultClaimMinIdle,
		maxDeliveries: defaultMaxDeliveries,
		deadLetter:    stream + deadLetterSuffix,
		log:           obs.Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("module", "events", "stream", c.stream, "group", c.group, "consumer", c.name)
	return c, nil
}

// Name returns the consumer name within its group.
func (c *Consumer) Name() string { return c.name }

// Stream returns the stream key.
func (c *Consumer) Stream() string { return c.stream }

// EnsureGroup creates the group (and the stream) if absent. New groups start at the stream tail.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("events: create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// Run polls until ctx is cancelled. A poll in progress, including its handler calls,
// finishes before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.log.Info("consumer started")
	work := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
		if _, err := c.Poll(work); err != nil {
			c.log.Error("poll failed", "error", err)
			if isNoGroup(err) {
				if gerr := c.EnsureGroup(work); gerr != nil {
					c.log.Error("recreate group", "error", gerr)
				}
			}
			select {
			case <-ctx.Done():
			case <-time.After(c.pollTimeout):
			}
		}
	}
}

// Poll runs one round: reclaim stale pending records, read new ones, then handle them
// one at a time in order. It returns how many records were handed to processing.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	claimed, err := c.reclaim(ctx)
	if err != nil {
		return 0, err
	}
	block := c.pollTimeout
	if len(claimed) > 0 {
		block = -1 // do not wait when reclaimed work is ready
	}
	fresh, err := c.read(ctx, block)
	if err != nil {
		return 0, err
	}
	for _, msg := range claimed {
		c.process(ctx, msg, true)
	}
	for _, msg := range fresh {
		c.process(ctx, msg, false)
	}
	return len(claimed) + len(fresh), nil
}

func (c *Consumer) reclaim(ctx context.Context) ([]redis.XMessage, error) {
	if c.claimMinIdle < 0 {
		return nil, nil
	}
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.claimMinIdle,
		Start:    "0-0",
		Count:    c.batch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("events: reclaim %s: %w", c.stream, err)
	}
	return msgs, nil
}

func (c *Consumer) read(ctx context.Context, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    c.batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: read %s: %w", c.stream, err)
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage, reclaimed bool) {
	log := c.log.With("record_id", msg.ID)

	if reclaimed && c.maxDeliveries > 0 {
		n, err := c.deliveries(ctx, msg.ID)
		switch {
		case err != nil:
			log.Warn("read delivery count", "error", err)
		case n > c.maxDeliveries:
			c.bury(ctx, log, msg, n)
			return
		}
	}

	env, err := EnvelopeFrom(c.stream, msg)
	if err != nil {
		log.Warn("record has no payload, skipping")
		if err := c.ack(ctx, msg.ID); err != nil {
			log.Error("ack skipped record", "error", err)
		}
		obs.EventConsumed(c.stream, "skipped", 0)
		return
	}

	start := time.Now()
	err = c.handle(ctx, env)
	took := time.Since(start)
	if err != nil {
		log.Error("handle record, it will be redelivered", "error", err)
		obs.EventConsumed(c.stream, "failed", took)
		return
	}
	if err := c.ack(ctx, msg.ID); err != nil {
		log.Error("ack record", "error", err)
		obs.EventConsumed(c.stream, "ack_failed", took)
		return
	}
	obs.EventConsumed(c.stream, "acked", took)
}

func (c *Consumer) handle(ctx context.Context, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, env)
}

func (c *Consumer) deliveries(ctx context.Context, id string) (int64, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}

// bury copies msg to the dead-letter stream and acks it. If the copy fails the record
// stays pending and is tried again on a later reclaim.
func (c *Consumer) bury(ctx context.Context, log *slog.Logger, msg redis.XMessage, deliveries int64) {
	values := map[string]any{
		"source_stream": c.stream,
		"source_id":     msg.ID,
		"group":         c.group,
		"deliveries":    deliveries,
	}
	if p, ok := msg.Values[PayloadField]; ok && p != nil {
		values[PayloadField] = p
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: c.deadLetter, Values: values}).Err(); err != nil {
		log.Error("dead-letter record", "error", err)
		return
	}
	if err := c.ack(ctx, msg.ID); err != nil {
		log.Error("ack dead-lettered record", "error", err)
		return
	}
	log.Warn("record dead-lettered", "deliveries", deliveries, "dead_letter_stream", c.deadLetter)
	obs.EventConsumed(c.stream, "dead_lettered", 0)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	return c.rdb.XAck(ctx, c.stream, c.group, id).Err()
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
