// Package events carries the signal streams the director fuses: health
// updates from the healthchecker and prediction callbacks from the local
// webhook ingress. The bus is a bounded FIFO with a single consumer.
package events

import (
	"time"

	"go.uber.org/zap"

	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/schema"
)

// Event is the tagged union carried on the bus.
type Event interface {
	isEvent()
}

// HealthEvent reports a change in the model server's health.
type HealthEvent struct {
	Health schema.Health
	Setup  *schema.SetupResult
}

func (HealthEvent) isEvent() {}

// WebhookEvent carries a prediction update posted by the model server to the
// local ingress.
type WebhookEvent struct {
	Payload schema.PredictionResponse
}

func (WebhookEvent) isEvent() {}

// Bus is a bounded multi-producer, single-consumer FIFO. Producers use Offer
// (lossy, for coalescable health updates) or OfferWait (bounded backpressure,
// for webhook callbacks which must not be dropped).
type Bus struct {
	ch     chan Event
	logger *logging.Logger
}

func NewBus(capacity int, logger *logging.Logger) *Bus {
	return &Bus{
		ch:     make(chan Event, capacity),
		logger: logger.Named("events"),
	}
}

// Offer enqueues without blocking. On a full bus the event is dropped with a
// warning; health updates coalesce so a dropped one is recovered by the next
// probe.
func (b *Bus) Offer(e Event) bool {
	select {
	case b.ch <- e:
		return true
	default:
		b.logger.Warn("event bus full, dropping event", zap.Any("event", e))
		return false
	}
}

// OfferWait enqueues, blocking up to timeout for capacity. A drop is logged
// as an error since webhook events carry state the director cannot recover.
func (b *Bus) OfferWait(e Event, timeout time.Duration) bool {
	select {
	case b.ch <- e:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case b.ch <- e:
		return true
	case <-t.C:
		b.logger.Error("event bus full, dropping event after retry", zap.Any("event", e))
		return false
	}
}

// Poll dequeues the next event, waiting up to timeout. The second return is
// false when the deadline passed with the bus empty.
func (b *Bus) Poll(timeout time.Duration) (Event, bool) {
	select {
	case e := <-b.ch:
		return e, true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case e := <-b.ch:
		return e, true
	case <-t.C:
		return nil, false
	}
}

// Len reports the number of queued events.
func (b *Bus) Len() int {
	return len(b.ch)
}
