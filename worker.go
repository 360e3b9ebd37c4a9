package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Worker wraps a polling body that runs until cancelled. The body is called
// once per iteration; an error return is logged and the loop continues at the
// next iteration, so a parse error or I/O hiccup degrades freshness, not
// liveness. Panics are recovered and the loop restarts with exponential
// backoff; a body that keeps panicking is marked dead, which the scheduler's
// aliveness tier escalates for mandatory workers.
type Worker struct {
	name      string
	mandatory bool
	iterate   func(ctx context.Context) error

	cancel    context.CancelFunc
	done      chan struct{}
	dead      atomic.Bool
	baseDelay time.Duration
}

// NewWorker creates a worker around one iteration body. Mandatory workers
// found dead cause a controlled shutdown.
func NewWorker(name string, mandatory bool, iterate func(ctx context.Context) error) *Worker {
	return &Worker{
		name:      name,
		mandatory: mandatory,
		iterate:   iterate,
		done:      make(chan struct{}),
		baseDelay: time.Second,
	}
}

// Name returns the worker's name for logging.
func (w *Worker) Name() string { return w.name }

// Mandatory reports whether the scheduler must shut down if this worker dies.
func (w *Worker) Mandatory() bool { return w.mandatory }

// Start launches the worker's loop goroutine.
func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.run(ctx)
	log.Printf("%s worker started\n", w.name)
}

// Cancel requests the worker stop. Advisory: the body observes it between
// iterations, so an in-flight blocking read finishes first.
func (w *Worker) Cancel() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Join blocks until the worker's loop has returned.
func (w *Worker) Join() {
	<-w.done
}

// Alive reports whether the worker loop is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return !w.dead.Load()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	retries := 0
	delay := w.baseDelay

	for {
		startTime := time.Now()
		panicValue := w.loop(ctx)

		// Normal return means the context was cancelled
		if panicValue == nil {
			log.Printf("%s worker stopped\n", w.name)
			return
		}

		// A long stretch of healthy running earns a clean slate
		if time.Since(startTime) >= resetAfter {
			retries = 0
			delay = w.baseDelay
		}

		retries++
		log.Printf("Panic in %s (attempt %d/%d): %v\n", w.name, retries, maxRetries, panicValue)

		if retries >= maxRetries {
			log.Printf("%s failed after %d retries, marking dead\n", w.name, maxRetries)
			w.dead.Store(true)
			return
		}

		log.Printf("%s will retry in %v\n", w.name, delay)
		select {
		case <-time.After(delay):
			delay = min(delay*2, maxDelay)
		case <-ctx.Done():
			return
		}
	}
}

// loop runs iterations until cancelled, returning a recovered panic value
func (w *Worker) loop(ctx context.Context) (panicValue any) {
	defer func() {
		panicValue = recover()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := w.iterate(ctx); err != nil {
			log.Printf("%s: %v\n", w.name, err)
		}
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
