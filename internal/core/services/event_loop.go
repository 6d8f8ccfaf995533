package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// EventLoop runs posted closures one at a time on a single goroutine. Every
// client-side state machine is only touched from inside the loop, so none of
// them needs locking.
type EventLoop struct {
	events chan func()
	wake   chan struct{}
	done   chan struct{}
	logger *zap.SugaredLogger

	mu sync.Mutex
	// overflow holds events posted while events was full, in order. Once it
	// is non-empty every new event goes here too.
	overflow []func()
}

func NewEventLoop(buffer int, logger *zap.SugaredLogger) *EventLoop {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventLoop{
		events: make(chan func(), buffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post schedules fn. It never blocks, so handlers may post from inside the
// loop. fn is dropped once the loop has stopped.
func (l *EventLoop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}

	l.mu.Lock()
	if len(l.overflow) == 0 {
		select {
		case l.events <- fn:
			l.mu.Unlock()
			return
		default:
		}
	}
	l.overflow = append(l.overflow, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes events until ctx is cancelled. A panicking handler is logged
// and does not stop the loop.
func (l *EventLoop) Run(ctx context.Context) {
	defer close(l.done)
	for ctx.Err() == nil {
		// events holds everything older than the overflow
		select {
		case fn := <-l.events:
			l.run(fn)
			continue
		default:
		}
		if fn, ok := l.popOverflow(); ok {
			l.run(fn)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-l.events:
			l.run(fn)
		case <-l.wake:
		}
	}
}

func (l *EventLoop) popOverflow() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.overflow) == 0 {
		return nil, false
	}
	fn := l.overflow[0]
	l.overflow[0] = nil
	l.overflow = l.overflow[1:]
	return fn, true
}

// Call posts fn and waits for it to finish.
func (l *EventLoop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return fmt.Errorf("event loop stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *EventLoop) Done() <-chan struct{} { return l.done }

func (l *EventLoop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorw("event handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
