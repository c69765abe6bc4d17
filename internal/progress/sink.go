package progress

import "context"

// Sink receives batches of crawl events from the Hub. Consume may be called
// again after an error and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close does nothing.
func (SinkFunc) Close(context.Context) error { return nil }

// Emitter accepts single events. The orchestrator depends on this rather than
// on the Hub.
type Emitter interface {
	Emit(evt Event)
}
