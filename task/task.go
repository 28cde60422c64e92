package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Task is a unit of work run once on its own goroutine. It owns a context
// that Cancel ends; the work function decides how to honour it.
type Task[T any] struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	result T
	err    error
}

// Go starts fn on a new goroutine.
func Go[T any](ctx context.Context, name string, fn func(ctx context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{name: name, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
				t.err = fmt.Errorf("task %s panicked: %v", name, r)
			}
		}()
		t.result, t.err = fn(ctx)
	}()
	return t
}

// Wait blocks until the task finishes and returns its result.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	return t.result, t.err
}

// WaitContext is Wait bounded by ctx.
func (t *Task[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Cancel ends the task's context. It does not wait for the task to return.
func (t *Task[T]) Cancel() {
	t.cancel()
}

func (t *Task[T]) Name() string {
	return t.name
}
