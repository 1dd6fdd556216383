package service

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mash-protocol/upnp-bridge/pkg/metrics"
)

// Exit codes returned by Lifecycle.Run.
const (
	ExitOK    = 0
	ExitFatal = 1
)

// DefaultShutdownGrace bounds the wait for fired UNSUBSCRIBE requests.
const DefaultShutdownGrace = 2 * time.Second

// DrainFunc waits up to timeout for fired requests and reports whether all
// finished. It is satisfied by (*gena.Client).Drain.
type DrainFunc func(timeout time.Duration) bool

// PanicError is a panic recovered by the lifecycle.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Name, e.Value)
}

// Lifecycle waits for a termination signal or a fatal error and then
// unwinds the bridge.
type Lifecycle struct {
	svc    *BridgeService
	drain  DrainFunc
	grace  time.Duration
	logger zerolog.Logger

	fatal chan error

	mu    sync.Mutex
	hooks []func()
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithDrain sets the function waiting for fired requests and its grace.
func WithDrain(fn DrainFunc, grace time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		l.drain = fn
		if grace > 0 {
			l.grace = grace
		}
	}
}

// WithLifecycleLogger sets the logger.
func WithLifecycleLogger(logger zerolog.Logger) LifecycleOption {
	return func(l *Lifecycle) { l.logger = logger }
}

// NewLifecycle returns a Lifecycle for svc.
func NewLifecycle(svc *BridgeService, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		svc:    svc,
		grace:  DefaultShutdownGrace,
		logger: zerolog.Nop(),
		fatal:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnShutdown registers fn to run after the bridge unsubscribed. Hooks run
// in reverse registration order.
func (l *Lifecycle) OnShutdown(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Fatal reports an unrecoverable error. Only the first one is kept.
func (l *Lifecycle) Fatal(err error) {
	l.svc.metrics.Failure(metrics.FailureFatal)
	select {
	case l.fatal <- err:
	default:
		l.logger.Error().Err(err).Msg("additional fatal error")
	}
}

// Recover turns a panic into a fatal error. It must be deferred directly.
func (l *Lifecycle) Recover(name string) {
	if r := recover(); r != nil {
		l.Panicked(name, r, debug.Stack())
	}
}

// Panicked reports a panic recovered on a goroutine the lifecycle does not
// own. It has the signature of the gena and discovery panic handlers.
func (l *Lifecycle) Panicked(name string, value any, stack []byte) {
	l.Fatal(&PanicError{Name: name, Value: value, Stack: stack})
}

// Go runs fn on its own goroutine. A panic or a returned error is fatal.
func (l *Lifecycle) Go(name string, fn func() error) {
	go func() {
		defer l.Recover(name)
		if err := fn(); err != nil {
			l.Fatal(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Run blocks until a signal arrives, ctx is done or a fatal error is
// reported, then fires UNSUBSCRIBE for every subscription, waits at most
// the grace period and runs the shutdown hooks. It returns the process
// exit code.
func (l *Lifecycle) Run(ctx context.Context, signals <-chan os.Signal) int {
	code := ExitOK
	select {
	case sig := <-signals:
		l.logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case <-ctx.Done():
		l.logger.Info().Msg("shutting down")
	case err := <-l.fatal:
		l.logFatal(err)
		code = ExitFatal
	case err := <-l.svc.Fatal():
		l.logFatal(err)
		code = ExitFatal
	}

	l.shutdown()
	return code
}

func (l *Lifecycle) logFatal(err error) {
	evt := l.logger.Error().Err(err)
	if pe, ok := err.(*PanicError); ok {
		evt = evt.Bytes("stack", pe.Stack)
	}
	evt.Msg("fatal error, shutting down")
}

func (l *Lifecycle) shutdown() {
	fired := l.svc.Shutdown()
	if l.drain != nil && fired > 0 {
		if !l.drain(l.grace) {
			l.logger.Warn().Dur("grace", l.grace).Msg("unsubscribe requests still pending at exit")
		}
	}

	l.mu.Lock()
	hooks := l.hooks
	l.hooks = nil
	l.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
