// Package broadcast defines the port for publishing coordination events to
// an external observability sink.
package broadcast

import "context"

// Broadcaster sends structured events to all connected observers.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected observers.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
