package loader

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/joeycumines/remock/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFiles = map[string]string{
	"/project/main.js":                           `module.exports = require('./lib/helpers').greet('world');`,
	"/project/lib/helpers.js":                    `exports.greet = function(n) { return 'hello ' + n; }; exports.dir = __dirname;`,
	"/project/lib/data.json":                     `{"answer": 42}`,
	"/project/lib/pkg/index.js":                  `module.exports = 'index';`,
	"/project/node_modules/leftpad/package.json": `{"main": "lib/leftpad"}`,
	"/project/node_modules/leftpad/lib/leftpad.js": `module.exports = function(s, n) {
		while (s.length < n) s = ' ' + s;
		return s;
	};`,
	"/project/node_modules/nested/index.js": `module.exports = require('leftpad')('x', 3);`,
	"/project/broken.js":                    `throw new Error('boom');`,
	"/shared/util.js":                       `module.exports = 'shared';`,
}

func newTestLoader(t *testing.T, opts ...Option) (*goja.Runtime, *Loader) {
	t.Helper()
	vm := goja.New()
	l := New(vm, append([]Option{
		WithSourceLoader(testutil.MapSourceLoader(testFiles)),
		WithBasePath("/project"),
	}, opts...)...)
	require.NoError(t, l.Enable())
	return vm, l
}

func TestLoader_Resolve(t *testing.T) {
	t.Parallel()
	_, l := newTestLoader(t,
		WithGlobalFolders("/shared"),
		WithNativeModule("native", func(*goja.Runtime, *goja.Object) {}),
	)

	for _, tc := range []struct {
		id   string
		want string
	}{
		{"./main", "/project/main.js"},
		{"./main.js", "/project/main.js"},
		{"./lib/data", "/project/lib/data.json"},
		{"./lib/pkg", "/project/lib/pkg/index.js"},
		{"/project/lib/helpers", "/project/lib/helpers.js"},
		{"leftpad", "/project/node_modules/leftpad/lib/leftpad.js"},
		{"util", "/shared/util.js"},
		{"native", "native"},
	} {
		t.Run(tc.id, func(t *testing.T) {
			got, err := l.Resolve(tc.id)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLoader_ResolveNotFound(t *testing.T) {
	t.Parallel()
	_, l := newTestLoader(t)

	_, err := l.Resolve("does-not-exist")
	require.ErrorIs(t, err, ErrModuleNotFound)

	_, err = l.Resolve("./nope")
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLoader_RequireCachesByPath(t *testing.T) {
	t.Parallel()
	vm, l := newTestLoader(t)

	v, err := l.Require("./main")
	require.NoError(t, err)
	assert.Equal(t, "hello world", v.String())

	assert.ElementsMatch(t, []string{"/project/main.js", "/project/lib/helpers.js"}, l.Cache().Keys())
	record := l.Cache().Get("/project/lib/helpers.js").ToObject(vm)
	assert.True(t, record.Get("loaded").ToBoolean())
	assert.Equal(t, "/project/lib", record.Get("exports").ToObject(vm).Get("dir").String())

	first, err := l.Require("./lib/helpers")
	require.NoError(t, err)
	second, err := vm.RunString(`require('./lib/helpers')`)
	require.NoError(t, err)
	assert.True(t, first.SameAs(second))
}

func TestLoader_ScriptSeesLiveCache(t *testing.T) {
	t.Parallel()
	vm, l := newTestLoader(t)

	v, err := vm.RunString(`
		var p = require.resolve('leftpad');
		require.cache[p] = {exports: function(s, n) { return 'sub:' + s + n; }};
		require('./node_modules/nested');
	`)
	require.NoError(t, err)
	assert.Equal(t, "sub:x3", v.String(), "nested resolves leftpad from its own directory to the same cache key")

	v, err = vm.RunString(`require('leftpad') === require.cache[require.resolve('leftpad')].exports`)
	require.NoError(t, err)
	assert.True(t, v.ToBoolean())
	assert.Contains(t, l.Cache().Keys(), "/project/node_modules/leftpad/lib/leftpad.js")
}

func TestLoader_JSON(t *testing.T) {
	t.Parallel()
	vm, _ := newTestLoader(t)
	v, err := vm.RunString(`require('./lib/data').answer`)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.ToInteger())
}

func TestLoader_FailedModuleIsNotCached(t *testing.T) {
	t.Parallel()
	vm, l := newTestLoader(t)

	_, err := l.Require("./broken")
	require.Error(t, err)
	var exc *goja.Exception
	require.ErrorAs(t, err, &exc)
	assert.Contains(t, exc.Error(), "boom")
	assert.Empty(t, l.Cache().Keys())

	v, err := vm.RunString(`
		var caught;
		try { require('./missing'); } catch (e) { caught = e.code; }
		caught;
	`)
	require.NoError(t, err)
	assert.Equal(t, "MODULE_NOT_FOUND", v.String())
}

func TestLoader_NativeModule(t *testing.T) {
	t.Parallel()
	calls := 0
	vm, l := newTestLoader(t, WithNativeModule("counter", func(runtime *goja.Runtime, module *goja.Object) {
		calls++
		_ = module.Set("exports", calls)
	}))

	v, err := vm.RunString(`require('counter') + require('counter')`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.ToInteger())
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"counter"}, l.Cache().Keys())
}

func TestLoader_RequireRejectsNonString(t *testing.T) {
	t.Parallel()
	vm, _ := newTestLoader(t)
	_, err := vm.RunString(`require(42)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TypeError")
}
