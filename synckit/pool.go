package synckit

import (
	"fmt"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
)

// Future is the result of work submitted to the pool.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the work has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the work finishes or timeout elapses. On timeout the work
// keeps running; Done reports when it ends.
func (f *Future[T]) Wait(timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.val, f.err
	case <-timer.C:
		var zero T
		return zero, syncErrors.E(
			syncErrors.Op("synckit.Wait"),
			syncErrors.Component(component),
			syncErrors.KindTimeout,
			syncErrors.ErrCodeTimeout,
			fmt.Errorf("phase did not finish within %s", timeout),
		)
	}
}

// pool is a fixed set of background workers.
type pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	p := &pool{tasks: make(chan func())}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// submit queues fn on p. It blocks while every worker is busy.
func submit[T any](p *pool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p.tasks <- func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = syncErrors.E(
					syncErrors.Op("synckit.Worker"),
					syncErrors.Component(component),
					syncErrors.KindInternal,
					fmt.Errorf("panic: %v", r),
				)
			}
		}()
		f.val, f.err = fn()
	}
	return f
}

// close stops accepting work and waits for running tasks.
func (p *pool) close() {
	p.once.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}
