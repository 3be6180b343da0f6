// Package broker implements the global coordinator of a co-simulation run.
//
// The broker holds the service directory, the subscription registry, the
// global virtual clock, and the append-only event log. Its run loop drives
// the conservative peek-select-step-dispatch cycle:
//
//  1. ask every service for its next event time (concurrently)
//  2. if all report none, the run is idle; if the earliest is at or past
//     the horizon, the run is done
//  3. command the earliest service - ties broken by directory order - to
//     advance exactly one event
//  4. record the emitted events and fan them out to every subscriber
//
// Because only the service owning the globally earliest event ever steps,
// no simulator can observe an event from its own future, and the global
// clock never moves backwards. A service that breaks that contract (a step
// behind the global clock, an event timestamped in the past) fails the run
// with a ProtocolError; the broker process itself stays up and keeps
// answering Peek with success=false.
//
// Lifecycle:
//
//	Unconfigured --Setup--> Configured --Start--> Started --Run--> Running
//	Running --(idle)--> Idle --Run--> Running
//	Running --(error)--> Failed
//	any --Finish--> Stopped
//
// Setup after Finish rebuilds the run from scratch; the same configuration
// yields the same directory and registry. Finish waits for the in-flight
// step's dispatch to drain, so it is the only clean way out of a run.
package broker
