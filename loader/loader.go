// Package loader implements a CommonJS module loader for goja whose module
// cache is a live, mutable JavaScript object exposed as require.cache.
//
// Unlike goja_nodejs/require, which keeps its cache private, every loaded
// module record here is visible to (and replaceable by) script code and Go
// callers, which is what lets a mock scope snapshot, clear, pre-populate and
// restore it.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
)

var (
	// ErrModuleNotFound is returned when an identifier cannot be resolved.
	ErrModuleNotFound = errors.New("module not found")

	// ErrInvalidModule is returned for malformed identifiers or module
	// sources that cannot be evaluated.
	ErrInvalidModule = errors.New("invalid module")
)

// Loader resolves, evaluates and caches modules for a single goja.Runtime.
// Like the runtime itself, it is not goroutine-safe.
type Loader struct {
	runtime      *goja.Runtime
	cache        *goja.Object
	sourceLoader require.SourceLoader
	native       map[string]require.ModuleLoader
	folders      []string
	basePath     string
	logger       *slog.Logger
	jsonParse    goja.Callable
}

// Option configures a Loader.
type Option func(*Loader)

// WithSourceLoader sets the function used to read module files. The default
// is require.DefaultSourceLoader.
func WithSourceLoader(sourceLoader require.SourceLoader) Option {
	return func(l *Loader) {
		l.sourceLoader = sourceLoader
	}
}

// WithNativeModule registers a Go implemented module under name.
func WithNativeModule(name string, loader require.ModuleLoader) Option {
	return func(l *Loader) {
		l.native[name] = loader
	}
}

// WithGlobalFolders sets additional folders searched for bare identifiers,
// after the node_modules lookup.
func WithGlobalFolders(folders ...string) Option {
	return func(l *Loader) {
		l.folders = append(l.folders, folders...)
	}
}

// WithBasePath sets the directory that top level identifiers are resolved
// against. Defaults to the working directory.
func WithBasePath(basePath string) Option {
	return func(l *Loader) {
		l.basePath = basePath
	}
}

// WithLogger sets the logger used for module load diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// New creates a Loader bound to runtime. Call Enable to expose require to
// scripts.
func New(runtime *goja.Runtime, opts ...Option) *Loader {
	l := &Loader{
		runtime:      runtime,
		sourceLoader: require.DefaultSourceLoader,
		native:       make(map[string]require.ModuleLoader),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.basePath == "" {
		if wd, err := os.Getwd(); err == nil {
			l.basePath = filepath.ToSlash(wd)
		} else {
			l.basePath = "/"
		}
	}
	l.basePath = path.Clean(filepath.ToSlash(l.basePath))
	for i, folder := range l.folders {
		l.folders[i] = path.Clean(filepath.ToSlash(folder))
	}

	l.cache = runtime.NewObject()
	_ = l.cache.SetPrototype(nil)

	if parse, ok := goja.AssertFunction(runtime.Get("JSON").ToObject(runtime).Get("parse")); ok {
		l.jsonParse = parse
	}
	return l
}

// Runtime returns the runtime the Loader is bound to.
func (l *Loader) Runtime() *goja.Runtime { return l.runtime }

// Cache returns the live module cache store, keyed by canonical path.
func (l *Loader) Cache() *goja.Object { return l.cache }

// BasePath returns the directory top level identifiers resolve against.
func (l *Loader) BasePath() string { return l.basePath }

// RegisterNativeModule registers a Go implemented module under name. It
// has the same shape as require.Registry.RegisterNativeModule.
func (l *Loader) RegisterNativeModule(name string, loader require.ModuleLoader) {
	l.native[name] = loader
}

// Enable installs the global require function.
func (l *Loader) Enable() error {
	return l.runtime.Set("require", l.requireFunc(l.basePath))
}

// Resolve maps id to its canonical path, relative to the base path.
func (l *Loader) Resolve(id string) (string, error) {
	return l.resolveFrom(l.basePath, id)
}

// Require loads id relative to the base path, returning its exports.
func (l *Loader) Require(id string) (goja.Value, error) {
	return l.requireFrom(l.basePath, id)
}

// NewModule constructs an unloaded module record for path, with an empty
// exports object.
func (l *Loader) NewModule(path string) *goja.Object {
	return NewModuleRecord(l.runtime, path)
}

// NewModuleRecord constructs the module record shape used by Loader, for
// callers that populate a cache without a Loader at hand.
func NewModuleRecord(runtime *goja.Runtime, path string) *goja.Object {
	module := runtime.NewObject()
	_ = module.Set("id", path)
	_ = module.Set("filename", path)
	_ = module.Set("loaded", false)
	_ = module.Set("exports", runtime.NewObject())
	return module
}

func (l *Loader) requireFrom(dir, id string) (goja.Value, error) {
	p, err := l.resolveFrom(dir, id)
	if err != nil {
		return nil, err
	}
	if cached := l.cache.Get(p); cached != nil && !goja.IsUndefined(cached) && !goja.IsNull(cached) {
		return cached.ToObject(l.runtime).Get("exports"), nil
	}
	return l.load(p)
}

func (l *Loader) load(p string) (goja.Value, error) {
	module := l.NewModule(p)
	if err := l.cache.Set(p, module); err != nil {
		return nil, fmt.Errorf("cache module %q: %w", p, err)
	}
	if err := l.evaluate(p, module); err != nil {
		_ = l.cache.Delete(p)
		return nil, err
	}
	_ = module.Set("loaded", true)
	l.logger.Debug("module loaded", slog.String("path", p))
	return module.Get("exports"), nil
}

func (l *Loader) evaluate(p string, module *goja.Object) error {
	if native, ok := l.native[p]; ok {
		call, _ := goja.AssertFunction(l.runtime.ToValue(func(goja.FunctionCall) goja.Value {
			native(l.runtime, module)
			return goja.Undefined()
		}))
		_, err := call(goja.Undefined())
		return err
	}

	src, err := l.sourceLoader(p)
	if err != nil {
		return fmt.Errorf("%w: read %q: %v", ErrInvalidModule, p, err)
	}

	if path.Ext(p) == ".json" {
		if l.jsonParse == nil {
			return fmt.Errorf("%w: JSON.parse unavailable for %q", ErrInvalidModule, p)
		}
		v, err := l.jsonParse(goja.Undefined(), l.runtime.ToValue(string(src)))
		if err != nil {
			return err
		}
		return module.Set("exports", v)
	}

	prg, err := goja.Compile(p, "(function(exports, require, module, __filename, __dirname) {"+string(src)+"\n})", false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	wrapper, err := l.runtime.RunProgram(prg)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return fmt.Errorf("%w: %q did not compile to a function", ErrInvalidModule, p)
	}
	exports := module.Get("exports")
	dir := path.Dir(p)
	_, err = fn(exports, exports, l.requireFunc(dir), module, l.runtime.ToValue(p), l.runtime.ToValue(dir))
	return err
}

// requireFunc builds a require function that resolves relative to dir,
// sharing the loader's cache.
func (l *Loader) requireFunc(dir string) *goja.Object {
	fn := l.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		id := l.identifier(call.Argument(0))
		v, err := l.requireFrom(dir, id)
		if err != nil {
			panic(l.throwable(err))
		}
		return v
	}).ToObject(l.runtime)

	_ = fn.Set("cache", l.cache)
	_ = fn.Set("resolve", func(call goja.FunctionCall) goja.Value {
		id := l.identifier(call.Argument(0))
		p, err := l.resolveFrom(dir, id)
		if err != nil {
			panic(l.throwable(err))
		}
		return l.runtime.ToValue(p)
	})
	return fn
}

func (l *Loader) identifier(v goja.Value) string {
	id, ok := v.Export().(string)
	if !ok {
		panic(l.runtime.NewTypeError("The \"id\" argument must be of type string"))
	}
	if id == "" {
		panic(l.runtime.NewTypeError("The \"id\" argument must be a non-empty string"))
	}
	return id
}

// throwable converts err into a value suitable for panicking into script.
func (l *Loader) throwable(err error) goja.Value {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value()
	}
	obj := l.runtime.NewGoError(err)
	if errors.Is(err, ErrModuleNotFound) {
		_ = obj.Set("code", "MODULE_NOT_FOUND")
	}
	return obj
}
