// Package queue consumes prediction requests from a Redis stream. Messages
// are pulled one at a time through a consumer group and acknowledged manually
// by the handler once it has finished, so an unacked message survives a crash.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/replicate/director/internal/logging"
)

const (
	// drainTimeout bounds each blocking read so abort and switch signals are
	// observed promptly.
	drainTimeout = 1 * time.Second

	reconnectDelay = 1 * time.Second

	group = "director"
)

// streamClient is the slice of go-redis the consumer uses; a seam for tests.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

// ConsumeOptions configures one consume cycle.
type ConsumeOptions struct {
	Queue string

	// Timeout is the idle period after which Consume returns so the caller
	// can re-check its queue assignment. Zero disables the idle timer.
	Timeout time.Duration

	// OnMessage handles a message body. The ack callback must be invoked
	// exactly once, after handling; the consumer never acks on its own.
	OnMessage func(body []byte, ack func())

	// OnPreMessage runs before every drain. A returned error stops the cycle
	// and propagates.
	OnPreMessage func() error

	Aborted  func() bool
	Switched func() bool

	// OnStartConsume runs exactly once before the first drain.
	OnStartConsume func()
}

// Consumer pulls messages from Redis with at most one in flight.
type Consumer struct {
	client streamClient
	name   string
	logger *logging.Logger
}

func NewConsumer(redisURL, workerID string, logger *logging.Logger) (*Consumer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	name := workerID
	if name == "" {
		hostname, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	return &Consumer{
		client: redis.NewClient(opts),
		name:   name,
		logger: logger.Named("consumer"),
	}, nil
}

func (c *Consumer) Close() error {
	return c.client.Close()
}

// Consume drains the queue until the idle timeout elapses, the caller aborts
// or switches queues, or a fatal error occurs. Connection errors trigger
// reconnection via the client's pool; only a failure to create the consumer
// group at start, context cancellation and OnPreMessage errors propagate.
func (c *Consumer) Consume(ctx context.Context, opts ConsumeOptions) error {
	log := c.logger.With(zap.String("queue", opts.Queue))
	log.Info("consuming queue", zap.Duration("timeout", opts.Timeout))

	if err := c.ensureGroup(ctx, opts.Queue); err != nil {
		return err
	}

	if opts.OnStartConsume != nil {
		opts.OnStartConsume()
	}

	mark := time.Now()
	for {
		if opts.OnPreMessage != nil {
			if err := opts.OnPreMessage(); err != nil {
				return err
			}
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: c.name,
			Streams:  []string{opts.Queue, ">"},
			Count:    1,
			Block:    drainTimeout,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			// Drain timed out with no message.
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("error draining queue", zap.Error(err))
			if err := c.ensureGroup(ctx, opts.Queue); err != nil {
				log.Error("failed to re-ensure consumer group", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
			}
		default:
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					c.handle(ctx, opts, msg)
					mark = time.Now()
				}
			}
		}

		isTimeout := opts.Timeout > 0 && time.Since(mark) >= opts.Timeout
		isAborted := opts.Aborted != nil && opts.Aborted()
		isSwitched := opts.Switched != nil && opts.Switched()
		if isTimeout || isAborted || isSwitched {
			log.Warn("consumer exiting",
				zap.Bool("is_timeout", isTimeout),
				zap.Bool("is_aborted", isAborted),
				zap.Bool("is_switched", isSwitched),
			)
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, opts ConsumeOptions, msg redis.XMessage) {
	ack := func() {
		if err := c.client.XAck(ctx, opts.Queue, group, msg.ID).Err(); err != nil {
			c.logger.Error("failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	opts.OnMessage(messageBody(msg), ack)
}

// messageBody extracts the JSON payload from a stream entry. Producers put
// it in the "body" field; anything else is re-marshaled wholesale.
func messageBody(msg redis.XMessage) []byte {
	if body, ok := msg.Values["body"].(string); ok {
		return []byte(body)
	}
	raw, _ := json.Marshal(msg.Values)
	return raw
}

func (c *Consumer) ensureGroup(ctx context.Context, queue string) error {
	err := c.client.XGroupCreateMkStream(ctx, queue, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}
