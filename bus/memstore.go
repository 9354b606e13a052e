package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/petalboard"
)

// MemUpdateStore is a thread-safe in-memory update store. Run history is
// ephemeral; it lives only as long as the process.
type MemUpdateStore struct {
	mu      sync.RWMutex
	updates map[string][]petalboard.Update // runID -> updates
}

// NewMemUpdateStore creates a new in-memory update store.
func NewMemUpdateStore() *MemUpdateStore {
	return &MemUpdateStore{
		updates: make(map[string][]petalboard.Update),
	}
}

func (s *MemUpdateStore) Append(_ context.Context, u petalboard.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[u.RunID] = append(s.updates[u.RunID], u)
	return nil
}

func (s *MemUpdateStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]petalboard.Update, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.updates[runID]
	var result []petalboard.Update

	for _, u := range all {
		if afterSeq > 0 && u.Seq <= afterSeq {
			continue
		}
		result = append(result, u)
		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}

func (s *MemUpdateStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	updates := s.updates[runID]
	if len(updates) == 0 {
		return 0, nil
	}

	var maxSeq uint64
	for _, u := range updates {
		if u.Seq > maxSeq {
			maxSeq = u.Seq
		}
	}
	return maxSeq, nil
}

// Drop discards a run's retained updates, freeing memory once nothing will
// replay it anymore.
func (s *MemUpdateStore) Drop(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.updates, runID)
}

// Compile-time interface check.
var _ UpdateStore = (*MemUpdateStore)(nil)
