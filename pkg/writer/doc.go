// Package writer ships simulation results to their durable destination.
//
// HTTPResultWriter buffers records in memory and posts them in sequenced
// batches from a background loop. The buffer is bounded: a producer that
// finds it over the limit blocks, re-checking at a fixed interval, until
// the collector catches up. Closing the writer drains whatever is left in
// one final batch. The limit and the interval are tunable through
// RESULT_WRITER_QUEUE_SIZE and RESULT_WRITER_OVER_INTERVAL.
//
// FileResultWriter is the plain alternative: newline-delimited JSON to a
// local file.
package writer
