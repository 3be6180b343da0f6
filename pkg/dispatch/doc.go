// Package dispatch delivers stepped events to their subscribers.
//
// Delivery is serialized per subscriber and parallel across subscribers:
// each subscriber sees events in the order the producing step emitted them,
// while slow subscribers do not hold the others back. Failures are
// classified by what the subscriber answered:
//
//   - network errors and 5xx responses are retried with exponential
//     backoff (3 attempts, 100 ms base, 2 s cap by default)
//   - 4xx responses are not retried; the event is logged and skipped, and
//     the remaining subscribers still receive it
//   - retries exhausted is fatal and fails the run
//
// A subscriber that accepted an event is never retried for it, so each
// subscriber receives an event at most once per step.
package dispatch
