// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that sync and enrichment runs use to report progress. It batches
// events on a background goroutine and fans them out to pluggable sinks such
// as Prometheus metrics, structured logs or the run history table.
package progress
