package otel

import (
	"sync"

	"github.com/petal-labs/petalboard"
	"github.com/petal-labs/petalboard/bus"
)

// UpdateHandler consumes run updates. TracingHandler and MetricsHandler
// both satisfy it.
type UpdateHandler interface {
	Handle(u petalboard.Update)
}

// BusObserver drains a global bus subscription into a set of update
// handlers, so telemetry attaches to the bus like any other subscriber
// instead of hooking into the run controller.
type BusObserver struct {
	bus      bus.UpdateBus
	handlers []UpdateHandler

	mu   sync.Mutex
	sub  bus.Subscription
	done chan struct{}
}

// NewBusObserver creates an observer over the given bus. Handlers run in
// subscription order on a single goroutine.
func NewBusObserver(b bus.UpdateBus, handlers ...UpdateHandler) *BusObserver {
	return &BusObserver{
		bus:      b,
		handlers: handlers,
	}
}

// Start subscribes to all runs and begins dispatching. Idempotent.
func (o *BusObserver) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sub != nil {
		return
	}

	sub := o.bus.SubscribeAll()
	done := make(chan struct{})
	o.sub = sub
	o.done = done

	go func() {
		defer close(done)
		for u := range sub.Updates() {
			for _, h := range o.handlers {
				h.Handle(u)
			}
		}
	}()
}

// Stop closes the subscription and waits for the dispatch loop to drain.
func (o *BusObserver) Stop() {
	o.mu.Lock()
	sub := o.sub
	done := o.done
	o.sub = nil
	o.done = nil
	o.mu.Unlock()

	if sub == nil {
		return
	}
	_ = sub.Close()
	<-done
}
