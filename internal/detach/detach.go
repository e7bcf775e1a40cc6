// Package detach runs fire-and-forget operations whose failure is expected
// and must not reach the caller.
package detach

import (
	"context"
	"fmt"
)

// ErrorHandler receives the error of a detached operation
type ErrorHandler func(error)

// Discard is an ErrorHandler that drops the error
func Discard(error) {}

// Task is a running detached operation. Nothing in the pipeline waits on
// it; Done exists so tests and shutdown code can observe completion.
type Task struct {
	done chan struct{}
}

// Go starts fn in its own goroutine. A non-nil error, or a panic, is passed
// to onErr and never returned to the caller.
func Go(ctx context.Context, fn func(context.Context) error, onErr ErrorHandler) *Task {
	if onErr == nil {
		onErr = Discard
	}
	t := &Task{done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				onErr(fmt.Errorf("detached task panicked: %v", r))
			}
		}()
		if err := fn(ctx); err != nil {
			onErr(err)
		}
	}()

	return t
}

// Done is closed once the operation has returned
func (t *Task) Done() <-chan struct{} {
	return t.done
}
