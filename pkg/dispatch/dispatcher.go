package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/client"
	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/metrics"
	"github.com/comosim/comosim/pkg/registry"
	"github.com/comosim/comosim/pkg/types"
)

// Policy controls retry behavior for event delivery
type Policy struct {
	// Attempts is the total number of delivery attempts per event
	Attempts int
	// BaseDelay is the backoff before the first retry; it doubles per attempt
	BaseDelay time.Duration
	// MaxDelay caps the backoff
	MaxDelay time.Duration
}

// DefaultPolicy matches the reference retry values: 3 attempts, 100 ms base,
// 2 s cap.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// DeliveryError reports a failed delivery to one subscriber. Fatal failures
// (retries exhausted on transport or server errors) abort the run;
// non-fatal ones (client rejections) are logged and the remaining
// subscribers still receive the event.
type DeliveryError struct {
	Endpoint string
	Event    types.EventType
	Fatal    bool
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s to %s failed: %v", e.Event, e.Endpoint, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Dispatcher delivers events to subscribers. Delivery is serialized per
// subscriber, so each subscriber observes events in non-decreasing time
// order, and parallel across subscribers.
type Dispatcher struct {
	subs       *registry.Subscriptions
	httpClient *http.Client
	policy     Policy
	logger     zerolog.Logger
}

// New creates a dispatcher over the given subscription registry
func New(subs *registry.Subscriptions, httpClient *http.Client, policy Policy) *Dispatcher {
	if policy.Attempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Dispatcher{
		subs:       subs,
		httpClient: httpClient,
		policy:     policy,
		logger:     log.WithComponent("dispatcher"),
	}
}

// Dispatch fans the step's events out to every matching subscriber and
// blocks until all deliveries are done or failed. Events keep the order the
// producing step emitted them. The returned error joins every fatal
// delivery failure.
func (d *Dispatcher) Dispatch(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	// per-subscriber delivery plans, in subscriber registration order
	var order []string
	plans := make(map[string][]types.Event)
	for _, ev := range events {
		for _, endpoint := range d.subs.Subscribers(ev.Type) {
			if _, ok := plans[endpoint]; !ok {
				order = append(order, endpoint)
			}
			plans[endpoint] = append(plans[endpoint], ev)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var fatal []error
	for _, endpoint := range order {
		endpoint := endpoint
		queue := plans[endpoint]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.deliverQueue(ctx, endpoint, queue); err != nil {
				mu.Lock()
				fatal = append(fatal, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(fatal...)
}

// deliverQueue delivers one subscriber's events in FIFO order. A fatal
// failure stops the queue; a non-fatal rejection skips the event.
func (d *Dispatcher) deliverQueue(ctx context.Context, endpoint string, queue []types.Event) error {
	c := client.New(endpoint, d.httpClient)
	for _, ev := range queue {
		if err := d.deliver(ctx, c, ev); err != nil {
			var delivery *DeliveryError
			if errors.As(err, &delivery) && !delivery.Fatal {
				d.logger.Warn().
					Err(delivery.Err).
					Str("endpoint", endpoint).
					Str("event_type", string(ev.Type)).
					Float64("time", ev.Time).
					Msg("Subscriber rejected event")
				continue
			}
			return err
		}
	}
	return nil
}

// deliver posts one event with exponential backoff. Network failures and
// server errors are retried; a client rejection is returned immediately as
// non-fatal.
func (d *Dispatcher) deliver(ctx context.Context, c *client.Client, ev types.Event) error {
	delay := d.policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= d.policy.Attempts; attempt++ {
		metrics.DispatchAttempts.Inc()
		err := c.Triggered(ctx, ev)
		if err == nil {
			metrics.EventsDelivered.Inc()
			return nil
		}
		lastErr = err

		var status *client.StatusError
		if errors.As(err, &status) && !status.Retriable() {
			metrics.DispatchRejections.Inc()
			return &DeliveryError{Endpoint: c.Endpoint(), Event: ev.Type, Fatal: false, Err: err}
		}

		if attempt < d.policy.Attempts {
			d.logger.Debug().
				Err(err).
				Str("endpoint", c.Endpoint()).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying delivery")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &DeliveryError{Endpoint: c.Endpoint(), Event: ev.Type, Fatal: true, Err: ctx.Err()}
			}
			delay *= 2
			if delay > d.policy.MaxDelay {
				delay = d.policy.MaxDelay
			}
		}
	}
	metrics.DispatchFailures.Inc()
	return &DeliveryError{Endpoint: c.Endpoint(), Event: ev.Type, Fatal: true, Err: lastErr}
}
