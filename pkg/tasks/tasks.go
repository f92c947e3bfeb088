// Package tasks runs fire-and-forget work off the caller's goroutine while
// keeping completion and errors observable.
package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds how many tasks run at once.
const DefaultConcurrency = 4

// Task is a handle to submitted work. Callers may wait on it or ignore it.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the name the task was submitted with.
func (t *Task) Name() string { return t.name }

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task error. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done, returning the task
// error or ctx.Err().
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runner executes tasks in background goroutines.
type Runner struct {
	log     *zap.Logger
	sem     *semaphore.Weighted
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used to report task failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithConcurrency bounds concurrently running tasks. n < 1 is ignored.
func WithConcurrency(n int64) Option {
	return func(r *Runner) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithTimeout gives every task a deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner returns a Runner ready to accept tasks.
func NewRunner(opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		log:    zap.NewNop(),
		sem:    semaphore.NewWeighted(DefaultConcurrency),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go submits fn and returns immediately. fn receives a context derived from
// the runner, not from the submitter, so it outlives the caller's request.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) *Task {
	t := &Task{name: name, done: make(chan struct{})}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(t.done)

		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			t.err = err
			r.log.Debug("task dropped", zap.String("task", name), zap.Error(err))
			return
		}
		defer r.sem.Release(1)

		ctx := r.ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		start := time.Now()
		t.err = fn(ctx)
		if t.err != nil {
			r.log.Warn("background task failed",
				zap.String("task", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(t.err),
			)
			return
		}
		r.log.Debug("background task finished",
			zap.String("task", name),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()

	return t
}

// Wait blocks until every submitted task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close cancels the context of running and queued tasks and waits for them.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
