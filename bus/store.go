package bus

import (
	"context"

	"github.com/petal-labs/petalboard"
)

// UpdateStore retains updates for replay, so an SSE client connecting (or
// reconnecting) mid-run can catch up before going live.
type UpdateStore interface {
	// Append stores an update.
	Append(ctx context.Context, u petalboard.Update) error

	// List returns updates for a run, optionally filtered.
	// afterSeq: return updates with Seq > afterSeq (0 means all)
	// limit: max updates to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]petalboard.Update, error)

	// LatestSeq returns the highest Seq for a run (0 if no updates).
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}
