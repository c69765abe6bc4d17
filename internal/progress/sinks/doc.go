// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, a run repository writer and a stats publisher. Each
// sink satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
