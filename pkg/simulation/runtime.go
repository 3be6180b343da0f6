package simulation

import (
	"encoding/json"
	"fmt"

	"github.com/comosim/comosim/pkg/types"
)

// Simulator is the contract every sub-simulator exposes to its HTTP
// controller: the peek/step/triggered protocol plus lifecycle calls.
type Simulator interface {
	Spec() *types.ServiceSpec
	Setup(settings json.RawMessage) error
	Start() error
	Peek() float64
	Step() (float64, []types.Event, error)
	Triggered(event types.Event) error
	Finish() error
}

// Runtime wraps the kernel with the peek/step contract and an event outbox.
// Domain simulators embed a Runtime, schedule work on its queue, and Emit
// the events their effects produce; Step gathers and clears the outbox.
type Runtime struct {
	queue   *Queue
	outbox  []types.Event
	stopped bool
}

// NewRuntime creates a runtime around a fresh kernel
func NewRuntime() *Runtime {
	return &Runtime{queue: NewQueue()}
}

// Queue exposes the embedded kernel for scheduling
func (r *Runtime) Queue() *Queue { return r.queue }

// Now returns the current virtual time
func (r *Runtime) Now() float64 { return r.queue.Clock() }

// Peek returns the next event's time. Pure and idempotent: peeking twice
// without an intervening step returns the same value.
func (r *Runtime) Peek() float64 {
	return r.queue.Peek()
}

// Emit appends an event at the current clock to the outbox
func (r *Runtime) Emit(typ types.EventType, details any) error {
	ev, err := types.NewEvent(typ, r.queue.Clock(), details)
	if err != nil {
		return err
	}
	r.outbox = append(r.outbox, ev)
	return nil
}

// Step pops the earliest event, executes its effects, and returns the new
// clock together with every event emitted since the last step. The outbox
// never retains events across steps.
func (r *Runtime) Step() (float64, []types.Event, error) {
	if r.stopped {
		return 0, nil, fmt.Errorf("step after stop")
	}
	action, err := r.queue.Pop()
	if err != nil {
		return 0, nil, err
	}
	if action != nil {
		action()
	}
	events := r.outbox
	r.outbox = nil
	return r.queue.Clock(), events, nil
}

// RunUntil steps while the next event is before t, then advances the clock
// to t. The returned events are everything emitted along the way.
func (r *Runtime) RunUntil(t float64) ([]types.Event, error) {
	var events []types.Event
	for r.queue.Peek() < t {
		_, stepped, err := r.Step()
		if err != nil {
			return events, err
		}
		events = append(events, stepped...)
	}
	if r.queue.Clock() < t {
		if err := r.queue.AdvanceTo(t); err != nil {
			return events, err
		}
	}
	return events, nil
}

// Advance moves the runtime's clock to the inbound event's time. An event
// from the past is a protocol violation: it would mean the broker let this
// simulator observe its own future.
func (r *Runtime) Advance(event types.Event) error {
	if event.Time < r.queue.Clock() {
		return fmt.Errorf("triggered %s at %v behind clock %v", event.Type, event.Time, r.queue.Clock())
	}
	if r.queue.Clock() < event.Time {
		return r.queue.AdvanceTo(event.Time)
	}
	return nil
}

// Stop marks the runtime stopped; any later step is an error
func (r *Runtime) Stop() {
	r.stopped = true
}

// Stopped reports whether Stop has been called
func (r *Runtime) Stopped() bool { return r.stopped }
