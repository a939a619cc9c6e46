// Package eventloop runs posted functions one at a time on a single goroutine.
// Every state transition of the mirrors happens on this goroutine, so the
// mirrors themselves need no locking.
package eventloop

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a loop that has finished running
var ErrStopped = errors.New("event loop stopped")

// Loop serializes event delivery
type Loop struct {
	logger   *zap.Logger
	queue    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a loop with room for depth queued events before Post blocks
func New(logger *zap.Logger, depth int) *Loop {
	if depth <= 0 {
		depth = 64
	}
	return &Loop{
		logger:  logger,
		queue:   make(chan func(), depth),
		stopped: make(chan struct{}),
	}
}

// Post queues fn for execution on the loop goroutine. It returns false if the
// loop has already stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	select {
	case <-l.stopped:
		return false
	default:
	}

	select {
	case l.queue <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Invoke runs fn on the loop goroutine and waits for it to return
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-l.stopped:
		// Run may have executed fn right before stopping
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued functions until ctx is cancelled. Functions still in the
// queue when ctx is cancelled are dropped.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("Event loop started")
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Event loop stopped", zap.Int("dropped", len(l.queue)))
			return ctx.Err()
		case fn := <-l.queue:
			fn()
		}
	}
}

// Stopped is closed once Run has returned
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
	})
}
