// Package jsruntime owns a goja runtime behind a goja_nodejs event loop, with
// the module loader and the remock script module installed.
package jsruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/joeycumines/remock"
	"github.com/joeycumines/remock/internal/goroutineid"
	"github.com/joeycumines/remock/loader"
)

// Runtime serializes all goja access through an event loop.
//
// goja.Runtime is NOT goroutine-safe: everything touching the runtime, the
// loader, or a remock.Runner must run inside RunOnLoop, RunOnLoopSync or
// Await.
type Runtime struct {
	loop    *eventloop.EventLoop
	vm      *goja.Runtime
	loopID  atomic.Int64
	loader  *loader.Loader
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// DefaultSyncTimeout is the maximum duration RunOnLoopSync waits.
const DefaultSyncTimeout = 5 * time.Second

// ErrNotRunning is returned when the event loop has been stopped.
var ErrNotRunning = errors.New("event loop not running")

// PromiseRejectedError is returned by Await when the promise rejects.
type PromiseRejectedError struct {
	// Reason is the string form of the rejection value.
	Reason string
}

func (e *PromiseRejectedError) Error() string {
	return "promise rejected: " + e.Reason
}

type options struct {
	logger        *slog.Logger
	loaderOptions []loader.Option
	remockOptions []remock.Option
	console       bool
	timeout       time.Duration
}

// Option configures a Runtime.
type Option func(*options)

// WithLogger sets the logger shared by the runtime, loader and runners.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLoaderOptions passes options through to loader.New.
func WithLoaderOptions(opts ...loader.Option) Option {
	return func(o *options) { o.loaderOptions = append(o.loaderOptions, opts...) }
}

// WithConsole toggles the console global. Enabled by default.
func WithConsole(enabled bool) Option {
	return func(o *options) { o.console = enabled }
}

// WithSyncTimeout sets the RunOnLoopSync timeout; 0 disables it.
func WithSyncTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// NewRuntime starts an event loop and installs require (backed by a
// loader.Loader) plus the remock module on it.
//
// Canceling ctx closes the runtime.
func NewRuntime(ctx context.Context, opts ...Option) (*Runtime, error) {
	o := options{console: true, timeout: DefaultSyncTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.remockOptions = append(o.remockOptions, remock.WithLogger(o.logger))

	loop := eventloop.NewEventLoop(eventloop.EnableConsole(o.console))
	childCtx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		loop:    loop,
		logger:  o.logger,
		timeout: o.timeout,
		ctx:     childCtx,
		cancel:  cancel,
	}
	loop.Start()

	err := rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		rt.vm = vm
		rt.loopID.Store(goroutineid.Get())
		l := loader.New(vm, append([]loader.Option{loader.WithLogger(o.logger)}, o.loaderOptions...)...)
		l.RegisterNativeModule(remock.ModuleName, remock.Require(o.remockOptions...))
		if err := l.Enable(); err != nil {
			return err
		}
		rt.loader = l
		return nil
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() {
			_ = rt.Close()
		})
	}
	return rt, nil
}

// Loader returns the module loader. Only use it on the loop.
func (rt *Runtime) Loader() *loader.Loader { return rt.loader }

// NewRunner creates a remock.Runner over the runtime's loader. Only call it
// on the loop.
func (rt *Runtime) NewRunner(vm *goja.Runtime) (*remock.Runner, error) {
	return remock.New(vm, rt.loader, remock.WithLogger(rt.logger))
}

// Close stops the event loop. It's safe to call multiple times.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	rt.cancel()
	rt.loop.Stop()
	return nil
}

// Done is closed once the runtime is stopped.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

// RunOnLoop schedules fn on the loop goroutine, reporting whether it was
// scheduled.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	rt.mu.RLock()
	stopped := rt.stopped
	rt.mu.RUnlock()
	if stopped {
		return false
	}
	return rt.loop.RunOnLoop(fn)
}

// RunOnLoopSync runs fn on the loop and waits for it, up to the configured
// timeout. Called from the loop goroutine itself, it runs fn directly.
func (rt *Runtime) RunOnLoopSync(fn func(*goja.Runtime) error) error {
	if id := rt.loopID.Load(); id != 0 && goroutineid.Get() == id {
		rt.mu.RLock()
		stopped := rt.stopped
		rt.mu.RUnlock()
		if stopped {
			return ErrNotRunning
		}
		return fn(rt.vm)
	}
	errCh := make(chan error, 1)
	if !rt.RunOnLoop(func(vm *goja.Runtime) {
		errCh <- fn(vm)
	}) {
		return ErrNotRunning
	}

	var timeout <-chan time.Time
	if rt.timeout > 0 {
		timer := time.NewTimer(rt.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case err := <-errCh:
		return err
	case <-rt.Done():
		return errors.New("runtime stopped before completion")
	case <-timeout:
		return fmt.Errorf("operation timed out after %v", rt.timeout)
	}
}

// Await runs fn on the loop and, if it returns a promise, waits for the
// promise to settle. A rejection is returned as *PromiseRejectedError.
// Results are exported with goja.Value.Export on the loop.
func (rt *Runtime) Await(ctx context.Context, fn func(*goja.Runtime) (goja.Value, error)) (any, error) {
	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)
	send := func(r result) {
		select {
		case ch <- r:
		default:
		}
	}

	if !rt.RunOnLoop(func(vm *goja.Runtime) {
		v, err := fn(vm)
		if err != nil {
			send(result{err: err})
			return
		}
		if v == nil {
			send(result{})
			return
		}
		p, ok := v.Export().(*goja.Promise)
		if !ok {
			send(result{value: v.Export()})
			return
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			send(result{value: exportValue(p.Result())})
		case goja.PromiseStateRejected:
			send(result{err: &PromiseRejectedError{Reason: p.Result().String()}})
		default:
			then, _ := goja.AssertFunction(v.ToObject(vm).Get("then"))
			_, err := then(v,
				vm.ToValue(func(call goja.FunctionCall) goja.Value {
					send(result{value: exportValue(call.Argument(0))})
					return goja.Undefined()
				}),
				vm.ToValue(func(call goja.FunctionCall) goja.Value {
					send(result{err: &PromiseRejectedError{Reason: call.Argument(0).String()}})
					return goja.Undefined()
				}),
			)
			if err != nil {
				send(result{err: err})
			}
		}
	}) {
		return nil, ErrNotRunning
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rt.Done():
		return nil, errors.New("runtime stopped before completion")
	}
}

func exportValue(v goja.Value) any {
	if v == nil {
		return nil
	}
	return v.Export()
}
