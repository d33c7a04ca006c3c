package persistentworker

import (
	"context"
	"sync"
)

// A task is a lazily started, externally cancellable unit of work.
// It is created before it runs so that it can be registered, and cancelled, first.
type task struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func newTask(parent context.Context) *task {
	ctx, cancel := context.WithCancel(parent)
	return &task{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start runs fn in a new goroutine with the task's context. Only the first call has any effect.
func (t *task) Start(fn func(ctx context.Context)) {
	t.once.Do(func() {
		go func() {
			defer close(t.done)
			defer t.cancel()
			fn(t.ctx)
		}()
	})
}

// Cancel cancels the task's context. It is safe to call at any time, including before Start.
func (t *task) Cancel() {
	t.cancel()
}

// Done returns a channel that is closed once a started task has returned.
func (t *task) Done() <-chan struct{} {
	return t.done
}
