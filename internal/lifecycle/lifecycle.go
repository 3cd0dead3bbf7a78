// Package lifecycle ties process signals to contexts.
package lifecycle

import (
	"context"
	"os/signal"
	"time"
)

// DefaultShutdownTimeout bounds graceful teardown after a termination signal.
const DefaultShutdownTimeout = 5 * time.Second

// WithTermination returns a context cancelled by the first termination signal.
func WithTermination(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, TerminationSignals()...)
}

// ShutdownContext derives a teardown context from ctx that survives ctx's
// cancellation but keeps its values.
func ShutdownContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
