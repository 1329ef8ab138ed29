// Package remock brackets a unit of work in a scope that snapshots the
// module cache of a CommonJS loader and the own properties of the global
// object (plus any listed objects), substitutes module exports, and restores
// everything afterward, whatever the outcome.
//
// A Runner is bound to one goja.Runtime and, like the runtime, must only be
// used from the goroutine that owns it (typically the event loop).
package remock

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
	"github.com/joeycumines/remock/internal/snapshot"
)

// Requirer is the module loader a Runner isolates. *loader.Loader
// implements it.
type Requirer interface {
	// Cache returns the live module cache store.
	Cache() *goja.Object
	// Resolve maps a module identifier to its cache key.
	Resolve(id string) (string, error)
	// NewModule constructs a module record for a cache key.
	NewModule(path string) *goja.Object
}

// Runner runs units of work inside scopes.
type Runner struct {
	runtime   *goja.Runtime
	requirer  Requirer
	reflector *snapshot.Reflector
	logger    *slog.Logger

	mu     sync.Mutex
	active *scope
	arming bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for scope diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New returns a Runner isolating requirer within runtime.
func New(runtime *goja.Runtime, requirer Requirer, opts ...Option) (*Runner, error) {
	if runtime == nil {
		return nil, fmt.Errorf("%w: a runtime must be provided to remock", ErrInvalidArgument)
	}
	if requirer == nil {
		return nil, fmt.Errorf("%w: a require function must be provided to remock", ErrInvalidArgument)
	}
	reflector, err := snapshot.NewReflector(runtime)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		runtime:   runtime,
		requirer:  requirer,
		reflector: reflector,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Run calls work inside a scope configured by cfg, which may be nil.
//
// Restoration always completes before Run returns, including when work
// panics (the panic is re-raised afterward). If work fails its error is
// returned unchanged; otherwise any restoration error is returned.
func (r *Runner) Run(cfg *Config, work func() error) (err error) {
	if work == nil {
		return fmt.Errorf("%w: invalid callback function supplied to remock", ErrInvalidArgument)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	s, err := r.arm(cfg)
	if err != nil {
		return err
	}
	s.state = StateRunning

	defer func() {
		restoreErr := s.restore()
		if p := recover(); p != nil {
			r.discarded(restoreErr)
			panic(p)
		}
		err = r.outcome(err, restoreErr)
	}()
	return work()
}

// RunAsync is the script facing form of Run, callable as RunAsync(work,
// undefined) or RunAsync(config, work). It must be called on the runtime's
// goroutine.
//
// The returned promise always settles after restoration, and RunAsync never
// throws: invalid arguments, including a config whose getters throw, reject
// it with nothing captured. If work returns a thenable, the scope stays
// armed until it settles. The promise resolves with the work's result, or
// rejects with the exact value the work threw or rejected with.
func (r *Runner) RunAsync(config, work goja.Value) *goja.Promise {
	promise, resolve, reject := r.runtime.NewPromise()

	if work == nil || goja.IsUndefined(work) {
		config, work = goja.Undefined(), config
	}

	fn, ok := goja.AssertFunction(work)
	if !ok {
		reject(throwable(r.runtime, fmt.Errorf("%w: invalid callback function supplied to remock", ErrInvalidArgument)))
		return promise
	}
	var cfg *Config
	if err := r.guard(func() (err error) {
		cfg, err = ParseConfig(r.runtime, config)
		return err
	}); err != nil {
		reject(throwable(r.runtime, err))
		return promise
	}
	s, err := r.arm(cfg)
	if err != nil {
		reject(throwable(r.runtime, err))
		return promise
	}
	s.state = StateRunning

	settle := func(value goja.Value, workErr error) {
		restoreErr := s.restore()
		if workErr != nil {
			r.discarded(restoreErr)
			reject(throwable(r.runtime, workErr))
			return
		}
		if restoreErr != nil {
			reject(throwable(r.runtime, restoreErr))
			return
		}
		resolve(value)
	}

	// a Go panic from work still restores before it propagates
	defer func() {
		if p := recover(); p != nil {
			r.discarded(s.restore())
			panic(p)
		}
	}()

	var (
		result goja.Value
		then   goja.Callable
	)
	if err := r.guard(func() (err error) {
		if result, err = fn(goja.Undefined()); err != nil {
			return err
		}
		then = r.thenable(result)
		return nil
	}); err != nil {
		settle(nil, err)
		return promise
	}
	if then == nil {
		settle(result, nil)
		return promise
	}
	onFulfilled := r.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		settle(call.Argument(0), nil)
		return goja.Undefined()
	})
	onRejected := r.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		settle(nil, &rejection{reason: call.Argument(0)})
		return goja.Undefined()
	})
	if _, err := then(result, onFulfilled, onRejected); err != nil {
		settle(nil, err)
	}
	return promise
}

// Start arms a scope that stays in place until Stop. At most one such scope
// may be armed per Runner; a second Start fails with ErrAlreadyActive and
// leaves the first untouched. Script code run while arming (a script
// require.resolve, say) may call Start, Stop or State: a nested Start fails
// with ErrAlreadyActive and a nested Stop does nothing.
func (r *Runner) Start(cfg *Config) error {
	r.mu.Lock()
	if r.active != nil || r.arming {
		r.mu.Unlock()
		return ErrAlreadyActive
	}
	if err := cfg.validate(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.arming = true
	r.mu.Unlock()

	var s *scope
	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.arming = false
		if s != nil {
			r.active = s
		}
	}()
	var err error
	s, err = r.arm(cfg)
	return err
}

// Stop restores the scope armed by Start. It is a no-op if none is armed.
// The Runner is disarmed, before restoration begins, even if restoration
// fails.
func (r *Runner) Stop() error {
	r.mu.Lock()
	s := r.active
	r.active = nil
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.restore()
}

// State reports the state of the scope armed by Start, or StateIdle.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return StateIdle
	}
	return r.active.state
}

// guard calls fn, returning a script exception thrown from it as an error.
func (r *Runner) guard(fn func() error) error {
	return guard(r.runtime, fn)
}

func guard(runtime *goja.Runtime, fn func() error) (err error) {
	if exc := runtime.Try(func() { err = fn() }); exc != nil {
		return exc
	}
	return err
}

// thenable returns the then method of v, or nil. Reading then may throw.
func (r *Runner) thenable(v goja.Value) goja.Callable {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	then, _ := goja.AssertFunction(obj.Get("then"))
	return then
}

func (r *Runner) outcome(workErr, restoreErr error) error {
	if workErr != nil {
		r.discarded(restoreErr)
		return workErr
	}
	return restoreErr
}

// discarded logs a restoration error that is superseded by the failure of
// the work itself.
func (r *Runner) discarded(restoreErr error) {
	if restoreErr != nil {
		r.logger.Warn("remock restore failed after work failure", slog.Any("error", restoreErr))
	}
}
