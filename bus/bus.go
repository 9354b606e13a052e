// Package bus distributes run updates to subscribers. It decouples the run
// controller from its observers: SSE streams, persistence, and telemetry
// all attach here rather than to the run itself.
package bus

import "github.com/petal-labs/petalboard"

// UpdateBus distributes run updates to subscribers.
type UpdateBus interface {
	// Publish sends an update to all matching subscribers.
	Publish(u petalboard.Update)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives updates from all
	// runs. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives updates.
type Subscription interface {
	// Updates returns a channel of updates for this subscription.
	Updates() <-chan petalboard.Update

	// Close unsubscribes and releases resources.
	Close() error
}
