// Package simulation provides the event-scheduling kernel and the runtime
// wrapper that every sub-simulator embeds.
//
// The kernel (Queue) is a priority queue of scheduled actions ordered
// lexicographically by (time, seq). The insertion counter seq gives a stable
// FIFO tie-break for actions scheduled at the same virtual time. Cancellation
// is lazy: a cancelled entry stays in the heap and is dropped when it
// surfaces. Besides plain scheduling the kernel supports timeouts (After)
// and named wait-conditions: placeholders that hold no slot in the time
// queue and fire only when Trigger is called with their name, resuming the
// holder at the clock value current at that moment. Wait-conditions are how
// simulators model "wait until the user is ready to board".
//
// The runtime (Runtime) layers the peek/step protocol on top:
//
//	peek        next event time, or +Inf when only wait-conditions remain
//	step        pop one event, run its effects, return (now, outbox)
//	run-until   step while peek < t, then advance the clock to t
//
// Effects emit events through Emit; the outbox is returned by Step and
// cleared, never retaining events across steps. Both types are
// single-threaded by contract: the HTTP controller serializes access so only
// one step or triggered executes at a time per simulator.
package simulation
