package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/mash-protocol/upnp-bridge/pkg/discovery"
)

// DefaultPollInterval is how long an idle worker waits before checking the
// queue again.
const DefaultPollInterval = 1 * time.Second

// Processor runs the pipeline for one event.
type Processor interface {
	// Process fetches and subscribes the device of ev.
	Process(ctx context.Context, ev discovery.Event) error

	// Rollback undoes whatever a failed Process left behind and reports
	// whether ev should be retried.
	Rollback(ctx context.Context, ev discovery.Event, err error) bool
}

// PanicError is returned by Run when a Processor panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("queue worker panic: %v", e.Value)
}

// Worker drains a Queue one event at a time.
type Worker struct {
	queue     *Queue
	processor Processor
	clock     clock.Clock
	poll      time.Duration
	logger    zerolog.Logger
	onIdle    func()
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerClock replaces the clock driving the idle poll.
func WithWorkerClock(clk clock.Clock) WorkerOption {
	return func(w *Worker) { w.clock = clk }
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithIdleHook sets a function called each time the worker finishes an
// event or finds the queue empty.
func WithIdleHook(fn func()) WorkerOption {
	return func(w *Worker) { w.onIdle = fn }
}

// NewWorker returns a Worker draining q into p.
func NewWorker(q *Queue, p Processor, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:     q,
		processor: p,
		clock:     clock.New(),
		poll:      DefaultPollInterval,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes events until ctx is done. A processor panic stops the
// worker and is returned as *PanicError.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ev, ok := w.queue.Pop(); ok {
			w.handle(ctx, ev)
			w.idle()
			continue
		}
		w.idle()

		timer := w.clock.Timer(w.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-w.queue.Wake():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (w *Worker) handle(ctx context.Context, ev discovery.Event) {
	err := w.processor.Process(ctx, ev)
	if err == nil {
		w.queue.Succeeded(ev.USN)
		return
	}
	if ctx.Err() != nil {
		// Shutting down; the lifecycle controller unwinds what is left.
		w.processor.Rollback(context.WithoutCancel(ctx), ev, err)
		return
	}

	if !w.processor.Rollback(ctx, ev, err) {
		w.queue.Forget(ev.USN)
		w.logger.Info().Err(err).Str("usn", ev.USN).Msg("discovery event failed, device gone")
		return
	}
	delay, attempt := w.queue.Retry(ev)
	w.logger.Warn().
		Err(err).
		Str("usn", ev.USN).
		Str("location", ev.Location).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("discovery event failed, retry scheduled")
}

func (w *Worker) idle() {
	if w.onIdle != nil {
		w.onIdle()
	}
}
