package workerpool

import (
	"context"
	"fmt"
)

// Future holds the eventual outcome of a task submitted with Go.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go submits fn to the pool and returns a future for its result. A panic in fn
// is converted into an error. When the pool rejects the task the returned
// future is already resolved with the submission error.
func Go[T any](ctx context.Context, p *Pool, id string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	task := Task{
		ID:  id,
		Ctx: ctx,
		Execute: func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					f.err = fmt.Errorf("task %s panicked: %v", id, r)
					err = f.err
				}
				close(f.done)
			}()
			if ctx.Err() != nil {
				f.err = ctx.Err()
				return f.err
			}
			f.value, f.err = fn(ctx)
			return f.err
		},
	}

	if p == nil {
		go func() { _ = task.Execute(task.Ctx) }()
		return f
	}

	if err := p.Submit(task); err != nil {
		f.err = err
		close(f.done)
	}
	return f
}

// Await blocks until the task completes or ctx is done. On ctx expiry the
// task keeps running in the background and its result is discarded.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the task has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
