package chat

import (
	"context"
	"sync"
	"sync/atomic"
)

// Exchange is the handle of a chat exchange started with Controller.StreamChat.
type Exchange struct {
	id     string
	cancel context.CancelFunc

	// mu is held while an event is being delivered; cancelled is checked under it before every delivery.
	mu         sync.Mutex
	cancelled  atomic.Bool
	delivering atomic.Bool

	done chan struct{}
	err  error
}

// ID returns the unique identifier of the exchange.
func (e *Exchange) ID() string {
	return e.id
}

// Cancel aborts the exchange. It closes the underlying connection and guarantees that no event delivery
// starts after it returns; a delivery already running on another goroutine is allowed to finish. It may be
// called any number of times, from any goroutine, including from inside the event callback.
func (e *Exchange) Cancel() {
	if !e.cancelled.CompareAndSwap(false, true) {
		return
	}
	e.cancel()

	// Wait out a delivery that passed the cancelled check but hasn't started yet. Skipped when a delivery is
	// running, which also covers calls from the callback itself.
	if !e.delivering.Load() {
		e.mu.Lock()
		e.mu.Unlock()
	}
}

// Done returns a channel that is closed when the exchange has ended and its connection is released.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Err returns the outcome once Done is closed: nil after a Done event, the *models.TransportError of a
// Failure event, or context.Canceled when the exchange was cancelled. It returns nil while still running.
func (e *Exchange) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Wait blocks until the exchange ends or ctx is done, and returns the outcome as reported by Err.
func (e *Exchange) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver hands ev to onEvent unless the exchange was cancelled, and reports whether it did.
func (e *Exchange) deliver(ev Event, onEvent func(Event)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled.Load() {
		return false
	}

	e.delivering.Store(true)
	defer e.delivering.Store(false)

	onEvent(ev)
	return true
}
