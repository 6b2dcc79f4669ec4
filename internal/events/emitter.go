// Package events provides a synchronous publish/subscribe emitter.
package events

import (
	"log/slog"
	"sync"
)

// Emitter fans values out to subscribers synchronously, in
// registration order. A panicking subscriber is logged and skipped;
// the remaining subscribers still run.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   []*subscriber[T]
	logger *slog.Logger
}

type subscriber[T any] struct {
	fn       func(T)
	disposed bool
}

// New returns an emitter that logs subscriber panics to logger.
func New[T any](logger *slog.Logger) *Emitter[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Emitter[T]{logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	sub := &subscriber[T]{fn: fn}

	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()

			sub.disposed = true

			for i, s := range e.subs {
				if s == sub {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers v to every subscriber registered when Emit was called.
// Subscribing or disposing during delivery takes effect on the next Emit.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]*subscriber[T], len(e.subs))
	copy(snapshot, e.subs)
	e.mu.Unlock()

	for _, sub := range snapshot {
		e.deliver(sub, v)
	}
}

// Len returns the number of active subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.subs)
}

func (e *Emitter[T]) deliver(sub *subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked", slog.Any("panic", r))
		}
	}()

	sub.fn(v)
}
