// Package lifecycle defines the capability interfaces long-running framepipe
// components implement. Callers hold these instead of probing concrete types
// for start/stop methods.
package lifecycle

import "context"

// Startable is implemented by components that run background work.
type Startable interface {
	Start(ctx context.Context) error
}

// Stoppable is implemented by components that can be shut down. Stop blocks
// until the component's background work has exited and is idempotent.
type Stoppable interface {
	Stop() error
}

// Runnable combines both capabilities.
type Runnable interface {
	Startable
	Stoppable
}
