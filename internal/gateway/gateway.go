// Package gateway defines the interface for the network entry points that
// expose the session manager.
package gateway

import "context"

// Gateway is a network entry point (HTTP API with its SSE, WebSocket and
// MCP transports).
type Gateway interface {
	// Start serves until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
