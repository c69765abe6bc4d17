// Package progress provides the event primitives, non-blocking hub and emitter
// interface the orchestrator uses to report crawl progress. Events are batched
// on a background goroutine and fanned out to pluggable sinks such as logs,
// Prometheus, a Pub/Sub publisher or the status API's snapshot store.
package progress
