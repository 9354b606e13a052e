package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/petalboard"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced status updates.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps an update callback and coalesces high-frequency
// step.status updates. A chatty agent can emit many content events per
// second, each producing a status update for the same step; only the latest
// per step matters to a renderer. Other kinds (run lifecycle, pending
// questions) pass through immediately. A background ticker flushes the
// coalesced statuses at the configured interval.
type ThrottledEmitter struct {
	emit     func(petalboard.Update)
	interval time.Duration

	mu      sync.Mutex
	pending map[string]petalboard.Update // stepID -> latest status update
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a ThrottledEmitter that wraps the given
// callback and coalesces step.status updates at the configured interval.
func NewThrottledEmitter(emit func(petalboard.Update), cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]petalboard.Update),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends an update through the throttled emitter. step.status updates
// are coalesced per step; everything else passes through immediately.
func (te *ThrottledEmitter) Emit(u petalboard.Update) {
	if u.Kind != petalboard.UpdateStepStatus {
		te.emit(u)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return
	}

	te.pending[u.StepID] = u
}

// Close flushes any pending status updates and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

// run is the background goroutine that periodically flushes coalesced
// status updates.
func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			// Flush any remaining pending updates before exiting.
			te.flush()
			return
		}
	}
}

// flush sends all pending coalesced status updates to the wrapped callback
// and clears the pending map.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	// Swap out the pending map so we can release the lock during emission.
	toFlush := te.pending
	te.pending = make(map[string]petalboard.Update)
	te.mu.Unlock()

	for _, u := range toFlush {
		te.emit(u)
	}
}
