package broker

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/client"
	"github.com/comosim/comosim/pkg/dispatch"
	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/metrics"
	"github.com/comosim/comosim/pkg/registry"
	"github.com/comosim/comosim/pkg/spec"
	"github.com/comosim/comosim/pkg/types"
)

// Broker coordinates the lockstep advance of every simulator service: it
// asks each for its next event time, steps the earliest, and fans the
// emitted events out to subscribers. One Broker drives one run; tests
// instantiate as many as they need.
type Broker struct {
	httpClient *http.Client
	policy     dispatch.Policy
	logger     zerolog.Logger

	mu         sync.Mutex
	state      types.BrokerState
	clock      float64
	directory  *registry.Directory
	subs       *registry.Subscriptions
	dispatcher *dispatch.Dispatcher
	clients    map[string]*client.Client
	failure    error
	stop       bool
	nextPeek   float64

	// runMu is held for the whole of a run; finish acquires it to wait for
	// the in-flight step's dispatch to drain
	runMu sync.Mutex

	eventLog *EventLog
}

// New creates a broker with a pooled HTTP client shared across all service
// calls and dispatch deliveries.
func New(httpClient *http.Client, policy dispatch.Policy) *Broker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Broker{
		httpClient: httpClient,
		policy:     policy,
		logger:     log.WithComponent("broker"),
		state:      types.StateUnconfigured,
		nextPeek:   math.Inf(1),
		eventLog:   NewEventLog(),
	}
}

// State returns the current lifecycle state
func (b *Broker) State() types.BrokerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// EventLog exposes the global append-only event record
func (b *Broker) EventLog() *EventLog { return b.eventLog }

// Subscriptions returns the registry built during setup, or nil
func (b *Broker) Subscriptions() *registry.Subscriptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Setup negotiates with every configured service and builds the run. It is
// a single transaction: on failure no service stays configured.
func (b *Broker) Setup(ctx context.Context, services []*types.ServiceDescriptor) error {
	b.mu.Lock()
	if b.state != types.StateUnconfigured && b.state != types.StateStopped {
		defer b.mu.Unlock()
		return stateError(b.state, "setup")
	}
	b.mu.Unlock()

	result, err := spec.NewNegotiator(b.httpClient).Negotiate(ctx, services)
	if err != nil {
		return &ConfigError{Reason: "setup negotiation failed", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.directory = result.Directory
	b.subs = result.Subscriptions
	b.dispatcher = dispatch.New(result.Subscriptions, b.httpClient, b.policy)
	b.clients = make(map[string]*client.Client, result.Directory.Len())
	result.Directory.Each(func(desc *types.ServiceDescriptor) {
		b.clients[desc.Name] = client.New(desc.Endpoint, b.httpClient)
	})
	b.clock = 0
	b.nextPeek = math.Inf(1)
	b.failure = nil
	b.stop = false
	b.eventLog.Reset()
	b.state = types.StateConfigured
	b.logger.Info().Int("services", result.Directory.Len()).Msg("Configured")
	return nil
}

// Start arms every service, in directory order
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != types.StateConfigured {
		defer b.mu.Unlock()
		return stateError(b.state, "start")
	}
	dir := b.directory
	b.mu.Unlock()

	var startErr error
	dir.Each(func(desc *types.ServiceDescriptor) {
		if startErr != nil {
			return
		}
		if err := b.clients[desc.Name].Start(ctx); err != nil {
			startErr = fmt.Errorf("failed to start %s: %w", desc.Name, err)
		}
	})
	if startErr != nil {
		return startErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.StateStarted
	b.logger.Info().Msg("Started")
	return nil
}

// peekResult is one service's answer during the peek fan-out
type peekResult struct {
	name string
	next float64
	err  error
}

// peekAll asks every service for its next event time, concurrently. Results
// come back in directory order regardless of arrival order, so the min
// tie-break is deterministic.
func (b *Broker) peekAll(ctx context.Context) ([]peekResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PeekLatency)

	names := b.directory.Names()
	results := make([]peekResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := b.clients[name].Peek(ctx)
			results[i] = peekResult{name: name, next: next, err: err}
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("peek of %s failed: %w", r.name, r.err)
		}
	}
	return results, nil
}

// Run drives the conservative peek-select-step-dispatch cycle until the
// earliest pending event is at or past until, or every service is idle.
// Running against an already-idle horizon returns immediately.
func (b *Broker) Run(ctx context.Context, until float64) error {
	b.mu.Lock()
	switch b.state {
	case types.StateStarted, types.StateIdle:
		b.state = types.StateRunning
	default:
		defer b.mu.Unlock()
		return stateError(b.state, "run")
	}
	b.mu.Unlock()

	b.runMu.Lock()
	defer b.runMu.Unlock()

	err := b.loop(ctx, until)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.state = types.StateFailed
		b.failure = err
		b.logger.Error().Err(err).Msg("Run failed")
		return err
	}
	if b.state == types.StateRunning {
		b.state = types.StateIdle
	}
	return nil
}

func (b *Broker) loop(ctx context.Context, until float64) error {
	for {
		b.mu.Lock()
		if b.stop {
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		peeks, err := b.peekAll(ctx)
		if err != nil {
			return err
		}

		// earliest peek wins; ties go to the service registered first
		tMin := types.Never
		winner := ""
		for _, r := range peeks {
			if r.next < tMin {
				tMin = r.next
				winner = r.name
			}
		}

		b.mu.Lock()
		b.nextPeek = tMin
		b.mu.Unlock()

		if math.IsInf(tMin, 1) {
			b.logger.Info().Float64("clock", b.clock).Msg("All services idle")
			return nil
		}
		if tMin >= until {
			b.logger.Info().Float64("next", tMin).Float64("until", until).Msg("Horizon reached")
			return nil
		}

		if err := b.stepAndDispatch(ctx, winner); err != nil {
			return err
		}
	}
}

// stepAndDispatch commands one service to advance a single event and fans
// the emitted events out. Step is serialized: only the winner moves, so no
// simulator ever observes an event from its future.
func (b *Broker) stepAndDispatch(ctx context.Context, winner string) error {
	timer := metrics.NewTimer()
	step, err := b.clients[winner].Step(ctx)
	timer.ObserveDuration(metrics.StepLatency)
	if err != nil {
		return &ProtocolError{Service: winner, Reason: fmt.Sprintf("step failed: %v", err)}
	}
	metrics.StepsTotal.WithLabelValues(winner).Inc()

	b.mu.Lock()
	prev := b.clock
	if step.Now < prev {
		b.mu.Unlock()
		return &ProtocolError{
			Service: winner,
			Reason:  fmt.Sprintf("clock moved backwards: step returned %v behind global clock %v", step.Now, prev),
		}
	}
	b.clock = step.Now
	b.mu.Unlock()
	metrics.GlobalClock.Set(step.Now)

	events := make([]types.Event, 0, len(step.Events))
	for _, ev := range step.Events {
		// the broker names the source; producer-supplied values are not
		// trusted
		ev.Source = winner
		if ev.Time < prev {
			return &ProtocolError{
				Service: winner,
				Reason:  fmt.Sprintf("emitted %s at %v behind global clock %v", ev.Type, ev.Time, prev),
			}
		}
		b.eventLog.Append(ev)
		events = append(events, ev)
	}

	if len(events) == 0 {
		return nil
	}
	b.logger.Debug().
		Str("service", winner).
		Float64("now", step.Now).
		Int("events", len(events)).
		Msg("Dispatching step events")
	return b.dispatcher.Dispatch(ctx, events)
}

// Peek reports the broker's polling status: whether a run is in progress,
// the global clock (or the earliest pending peek when idle), and whether
// the run is still healthy.
func (b *Broker) Peek() types.BrokerPeek {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.clock
	if b.state != types.StateRunning {
		next = b.nextPeek
	}
	return types.BrokerPeek{
		Running: b.state == types.StateRunning,
		Next:    types.EncodeNext(next),
		Success: b.state != types.StateFailed,
	}
}

// Failure returns the error that moved the broker to Failed, or nil
func (b *Broker) Failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

// Finish tears the run down: it waits for the in-flight step's dispatch to
// drain, tells every service to finish, and discards the directory.
// Finishing twice, or before setup, is safe.
func (b *Broker) Finish(ctx context.Context) error {
	b.mu.Lock()
	b.stop = true
	dir := b.directory
	b.mu.Unlock()

	// wait for the current step's dispatch to drain
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if dir != nil {
		dir.Each(func(desc *types.ServiceDescriptor) {
			if err := b.clients[desc.Name].Finish(ctx); err != nil {
				b.logger.Warn().Err(err).Str("service", desc.Name).Msg("Finish call failed")
			}
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.directory = nil
	b.subs = nil
	b.dispatcher = nil
	b.clients = nil
	b.state = types.StateStopped
	b.logger.Info().Msg("Stopped")
	return nil
}
