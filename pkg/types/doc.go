// Package types defines the shared data model of the co-simulation: the
// wire form of events and their typed detail records, service descriptors
// and specifications, broker lifecycle states, and the protocol response
// bodies.
//
// Virtual time is a float64 in simulator-defined units (minutes from the
// scenario epoch in the shipped simulators); +Inf means "no more events"
// and travels on the wire as the sentinel -1.
package types
