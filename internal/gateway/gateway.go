// Package gateway defines the interface for long-running entry points that
// expose the tool catalog to another process.
package gateway

import "context"

// Gateway serves until its context is cancelled or its transport closes.
type Gateway interface {
	// Start blocks until the gateway exits or ctx is cancelled.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown within the deadline carried by ctx.
	Stop(ctx context.Context) error
}
