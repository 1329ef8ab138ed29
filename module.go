package remock

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/remock/loader"
)

// ModuleName is the name the script module is conventionally registered
// under.
const ModuleName = "remock"

// Require returns a loader for the script module. Its export is a function
// taking a require function (with cache and resolve properties) and
// returning mock([config,] fn), which carries start(config) and stop().
//
//	const remock = require('remock');
//	const mock = remock(require);
//	await mock({leftpad: fake}, async () => { ... });
func Require(opts ...Option) require.ModuleLoader {
	return func(runtime *goja.Runtime, module *goja.Object) {
		_ = module.Set("exports", func(call goja.FunctionCall) goja.Value {
			req, err := newScriptRequirer(runtime, call.Argument(0))
			if err != nil {
				panic(throwable(runtime, err))
			}
			r, err := New(runtime, req, opts...)
			if err != nil {
				panic(throwable(runtime, err))
			}
			return r.ToValue()
		})
	}
}

// ToValue returns the script form of r: a mock function with start and
// stop methods.
func (r *Runner) ToValue() goja.Value {
	mock := r.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		return r.runtime.ToValue(r.RunAsync(call.Argument(0), call.Argument(1)))
	}).ToObject(r.runtime)

	_ = mock.Set("start", func(call goja.FunctionCall) goja.Value {
		cfg, err := ParseConfig(r.runtime, call.Argument(0))
		if err == nil {
			err = r.Start(cfg)
		}
		if err != nil {
			panic(throwable(r.runtime, err))
		}
		return goja.Undefined()
	})
	_ = mock.Set("stop", func(call goja.FunctionCall) goja.Value {
		if err := r.Stop(); err != nil {
			panic(throwable(r.runtime, err))
		}
		return goja.Undefined()
	})
	return mock
}

// scriptRequirer adapts a script require function, reading require.cache
// and calling require.resolve on every use.
type scriptRequirer struct {
	runtime *goja.Runtime
	fn      *goja.Object
	resolve goja.Callable
}

func newScriptRequirer(runtime *goja.Runtime, v goja.Value) (*scriptRequirer, error) {
	if _, ok := goja.AssertFunction(v); !ok {
		return nil, fmt.Errorf("%w: a require function must be provided to remock", ErrInvalidArgument)
	}
	fn := v.ToObject(runtime)
	if _, ok := fn.Get("cache").(*goja.Object); !ok {
		return nil, fmt.Errorf("%w: require.cache must be an object", ErrInvalidArgument)
	}
	resolve, ok := goja.AssertFunction(fn.Get("resolve"))
	if !ok {
		return nil, fmt.Errorf("%w: require.resolve must be a function", ErrInvalidArgument)
	}
	return &scriptRequirer{runtime: runtime, fn: fn, resolve: resolve}, nil
}

func (s *scriptRequirer) Cache() *goja.Object {
	cache, _ := s.fn.Get("cache").(*goja.Object)
	return cache
}

func (s *scriptRequirer) Resolve(id string) (string, error) {
	v, err := s.resolve(s.fn, s.runtime.ToValue(id))
	if err != nil {
		return "", err
	}
	p, ok := v.Export().(string)
	if !ok {
		return "", fmt.Errorf("require.resolve(%q) returned %s, not a string", id, v)
	}
	return p, nil
}

func (s *scriptRequirer) NewModule(path string) *goja.Object {
	return loader.NewModuleRecord(s.runtime, path)
}
