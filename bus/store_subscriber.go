package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/petalboard"
)

// StoreSubscriber writes updates to an UpdateStore, for use as a bus
// subscriber handler.
type StoreSubscriber struct {
	store  UpdateStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store UpdateStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single update to the store.
func (s *StoreSubscriber) Handle(u petalboard.Update) {
	if err := s.store.Append(context.Background(), u); err != nil {
		s.logger.Error("failed to persist update",
			"run_id", u.RunID,
			"kind", u.Kind,
			"seq", u.Seq,
			"error", err,
		)
	}
}
