// Package health polls the model server's /health-check endpoint and reports
// transitions onto the event bus.
package health

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/replicate/director/internal/events"
	"github.com/replicate/director/internal/httputil"
	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/schema"
)

const (
	// DefaultInterval is deliberately aggressive so setup completion is
	// detected fast; the director slows it down once the model is ready.
	DefaultInterval = 100 * time.Millisecond

	probeTimeout         = 1 * time.Second
	probeInitialInterval = 50 * time.Millisecond
	probeMaxRetryBudget  = 2 * time.Second
)

// Checker probes the model server on a private schedule and emits a
// HealthEvent when the observed health changes, or unconditionally after
// RequestStatus.
type Checker struct {
	bus    *events.Bus
	url    string
	client *http.Client
	logger *logging.Logger

	interval atomic.Int64
	requests chan struct{}
	stop     chan struct{}
	done     chan struct{}

	// lastHealth is only touched on the checker goroutine.
	lastHealth schema.Health
}

func NewChecker(bus *events.Bus, url string, logger *logging.Logger) *Checker {
	c := &Checker{
		bus:        bus,
		url:        url,
		client:     httputil.NewClient(probeTimeout, ""),
		logger:     logger.Named("healthchecker"),
		requests:   make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lastHealth: schema.HealthUnknown,
	}
	c.interval.Store(int64(DefaultInterval))
	return c
}

func (c *Checker) Start() {
	go c.run()
}

func (c *Checker) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Checker) Join() {
	<-c.done
}

// SetInterval adjusts the probe cadence at runtime.
func (c *Checker) SetInterval(d time.Duration) {
	c.interval.Store(int64(d))
}

// RequestStatus triggers an out-of-band probe whose result is emitted even if
// the health did not change.
func (c *Checker) RequestStatus() {
	select {
	case c.requests <- struct{}{}:
	default:
		// A probe request is already pending; it will force an emission.
	}
}

func (c *Checker) run() {
	defer close(c.done)

	timer := time.NewTimer(time.Duration(c.interval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.requests:
			c.probe(true)
		case <-timer.C:
			c.probe(false)
			timer.Reset(time.Duration(c.interval.Load()))
		}
	}
}

func (c *Checker) probe(forced bool) {
	health, setup := c.fetch()

	if forced || health != c.lastHealth {
		if health != c.lastHealth {
			c.logger.Info("model health changed",
				zap.String("from", c.lastHealth.String()),
				zap.String("to", health.String()),
			)
		}
		c.lastHealth = health
		c.bus.Offer(events.HealthEvent{Health: health, Setup: setup})
	}
}

// fetch probes the health endpoint with bounded retries. Network errors and
// unparseable responses map to UNKNOWN.
func (c *Checker) fetch() (schema.Health, *schema.SetupResult) {
	var check schema.HealthCheck

	op := func() error {
		resp, err := c.client.Get(c.url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&check)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = probeInitialInterval
	// Retry within the probe cadence, but never past a hard budget.
	bo.MaxElapsedTime = min(time.Duration(c.interval.Load()), probeMaxRetryBudget)

	if err := backoff.Retry(op, bo); err != nil {
		c.logger.Debug("health check failed", zap.Error(err))
		return schema.HealthUnknown, nil
	}

	health, err := schema.HealthFromString(check.Status)
	if err != nil {
		c.logger.Warn("health check returned unknown status", zap.String("status", check.Status))
		return schema.HealthUnknown, nil
	}
	return health, check.Setup
}
