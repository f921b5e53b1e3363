package coordinator

import (
	"context"
	"sync"
	"time"
)

// waiter is a one-shot promise for an in-flight distributed operation.
// It settles exactly once: the first Resolve or Reject wins, later
// calls are no-ops. The timeout timer is cancelled before the result
// becomes visible, so a timer callback can never observe a settled
// waiter as pending.
type waiter[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	timer   *time.Timer
	result  T
	err     error
	settled bool
}

func newWaiter[T any]() *waiter[T] {
	return &waiter[T]{done: make(chan struct{})}
}

// ArmTimer schedules onTimeout. Arming twice replaces the previous
// timer. A settled waiter ignores the call.
func (w *waiter[T]) ArmTimer(d time.Duration, onTimeout func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, onTimeout)
}

// Resolve settles the waiter with a result. Reports whether this call
// was the one that settled it.
func (w *waiter[T]) Resolve(v T) bool {
	return w.settle(v, nil)
}

// Reject settles the waiter with an error.
func (w *waiter[T]) Reject(err error) bool {
	var zero T
	return w.settle(zero, err)
}

func (w *waiter[T]) settle(v T, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.result = v
	w.err = err
	w.settled = true
	close(w.done)
	return true
}

// Wait blocks until the waiter settles or ctx is done. A context
// cancellation abandons the promise without settling it; the operation
// behind it keeps running.
func (w *waiter[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.result, w.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
