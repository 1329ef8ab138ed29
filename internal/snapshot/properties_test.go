package snapshot

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReflector(t *testing.T) (*goja.Runtime, *Reflector) {
	t.Helper()
	vm := goja.New()
	r, err := NewReflector(vm)
	require.NoError(t, err)
	return vm, r
}

func mustRun(t *testing.T, vm *goja.Runtime, src string) goja.Value {
	t.Helper()
	v, err := vm.RunString(src)
	require.NoError(t, err, "script: %s", src)
	return v
}

func mustObject(t *testing.T, vm *goja.Runtime, src string) *goja.Object {
	t.Helper()
	obj, ok := mustRun(t, vm, src).(*goja.Object)
	require.True(t, ok, "expected object from %s", src)
	return obj
}

func TestProperties_RestoreRemovesAddedProperties(t *testing.T) {
	t.Parallel()
	vm, r := newReflector(t)
	obj := mustObject(t, vm, `var o = {a: 1}; o`)

	snap, err := CaptureProperties(r, obj)
	require.NoError(t, err)

	mustRun(t, vm, `o.b = 2; Object.defineProperty(o, 'hidden', {value: 3, configurable: true})`)
	require.NoError(t, snap.Restore())

	assert.Equal(t, []string{"a"}, obj.GetOwnPropertyNames())
	assert.Equal(t, int64(1), obj.Get("a").ToInteger())
}

func TestProperties_RestoreRevertsMutations(t *testing.T) {
	t.Parallel()
	vm, r := newReflector(t)
	obj := mustObject(t, vm, `
		var getter = function() { return 'orig'; };
		var o = {a: 1};
		Object.defineProperty(o, 'acc', {get: getter, enumerable: true, configurable: true});
		Object.defineProperty(o, 'quiet', {value: 'q', writable: true, enumerable: false, configurable: true});
		o`)

	snap, err := CaptureProperties(r, obj)
	require.NoError(t, err)

	mustRun(t, vm, `
		o.a = 2;
		Object.defineProperty(o, 'acc', {value: 'data', writable: true, configurable: true});
		Object.defineProperty(o, 'quiet', {enumerable: true});
	`)
	require.NoError(t, snap.Restore())

	assert.Equal(t, int64(1), obj.Get("a").ToInteger())
	assert.Equal(t, "orig", obj.Get("acc").String())
	assert.True(t, mustRun(t, vm, `Object.getOwnPropertyDescriptor(o, 'acc').get === getter`).ToBoolean())
	assert.False(t, mustRun(t, vm, `Object.getOwnPropertyDescriptor(o, 'quiet').enumerable`).ToBoolean())
	assert.ElementsMatch(t, []string{"a", "acc"}, obj.Keys())
}

// A property deleted while the scope was armed is not brought back.
func TestProperties_RestoreDoesNotReviveDeletedProperties(t *testing.T) {
	t.Parallel()
	vm, r := newReflector(t)
	obj := mustObject(t, vm, `var o = {keep: 1, gone: 2}; o`)

	snap, err := CaptureProperties(r, obj)
	require.NoError(t, err)
	mustRun(t, vm, `delete o.gone`)
	require.NoError(t, snap.Restore())

	assert.Equal(t, []string{"keep"}, obj.GetOwnPropertyNames())
	_, captured := snap.Lookup("gone")
	assert.True(t, captured)
}

func TestProperties_RestoreLeavesCorrectNonConfigurableAlone(t *testing.T) {
	t.Parallel()
	vm, r := newReflector(t)
	obj := mustObject(t, vm, `
		var o = {};
		Object.defineProperty(o, 'fixed', {value: NaN});
		o`)

	snap, err := CaptureProperties(r, obj)
	require.NoError(t, err)
	mustRun(t, vm, `o.extra = true`)
	require.NoError(t, snap.Restore())
	assert.Equal(t, []string{"fixed"}, obj.GetOwnPropertyNames())
}

func TestProperties_RestoreSurfacesRedefinitionFailure(t *testing.T) {
	t.Parallel()
	vm, r := newReflector(t)
	obj := mustObject(t, vm, `var o = {x: 1, y: 1}; o`)

	snap, err := CaptureProperties(r, obj)
	require.NoError(t, err)
	mustRun(t, vm, `
		Object.defineProperty(o, 'x', {value: 2, writable: false, configurable: false});
		o.y = 2;
	`)

	err = snap.Restore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"x"`)
	// the failure does not stop the remaining properties from being restored
	assert.Equal(t, int64(1), obj.Get("y").ToInteger())
	assert.Equal(t, int64(2), obj.Get("x").ToInteger())
}

func TestProperties_RestoreIsSingleUse(t *testing.T) {
	t.Parallel()
	vm, r := newReflector(t)
	obj := mustObject(t, vm, `var o = {a: 1}; o`)

	snap, err := CaptureProperties(r, obj)
	require.NoError(t, err)
	mustRun(t, vm, `o.a = 2`)
	require.NoError(t, snap.Restore())

	mustRun(t, vm, `o.a = 3; o.b = 4`)
	require.NoError(t, snap.Restore())
	assert.Equal(t, int64(3), obj.Get("a").ToInteger())
	assert.Equal(t, int64(4), obj.Get("b").ToInteger())
}

func TestProperties_GlobalObject(t *testing.T) {
	t.Parallel()
	vm, r := newReflector(t)
	mustRun(t, vm, `var existing = 'before'`)

	snap, err := CaptureProperties(r, vm.GlobalObject())
	require.NoError(t, err)
	mustRun(t, vm, `
		existing = 'after';
		globalThis.added = 1;
		Object.defineProperty(globalThis, 'addedHidden', {value: 1, configurable: true});
		JSON = null;
	`)
	require.NoError(t, snap.Restore())

	assert.Equal(t, "before", vm.Get("existing").String())
	assert.Equal(t, "undefined", mustRun(t, vm, `typeof added`).String())
	assert.Equal(t, "undefined", mustRun(t, vm, `typeof addedHidden`).String())
	assert.Equal(t, "function", mustRun(t, vm, `typeof JSON.parse`).String())
}

func TestReflector_BoundBeforeTampering(t *testing.T) {
	t.Parallel()
	vm, r := newReflector(t)
	obj := mustObject(t, vm, `var o = {a: 1}; o`)

	snap, err := CaptureProperties(r, obj)
	require.NoError(t, err)
	mustRun(t, vm, `
		o.a = 2;
		Object.getOwnPropertyDescriptor = function() { throw new Error('tampered'); };
		Object = undefined;
	`)
	require.NoError(t, snap.Restore())
	assert.Equal(t, int64(1), obj.Get("a").ToInteger())
}

func TestDescriptor_Equal(t *testing.T) {
	t.Parallel()
	vm := goja.New()
	fn := mustRun(t, vm, `(function() {})`)
	other := mustRun(t, vm, `(function() {})`)
	nan := mustRun(t, vm, `NaN`)

	for _, tc := range []struct {
		name string
		a, b Descriptor
		want bool
	}{
		{"identical data", Descriptor{Value: vm.ToValue(1), Writable: true}, Descriptor{Value: vm.ToValue(1), Writable: true}, true},
		{"nan same value", Descriptor{Value: nan}, Descriptor{Value: nan}, true},
		{"value differs", Descriptor{Value: vm.ToValue(1)}, Descriptor{Value: vm.ToValue(2)}, false},
		{"writable differs", Descriptor{Value: vm.ToValue(1), Writable: true}, Descriptor{Value: vm.ToValue(1)}, false},
		{"enumerable differs", Descriptor{Enumerable: true}, Descriptor{}, false},
		{"configurable differs", Descriptor{Configurable: true}, Descriptor{}, false},
		{"accessor vs data", Descriptor{Accessor: true, Get: fn}, Descriptor{Value: fn}, false},
		{"same accessor", Descriptor{Accessor: true, Get: fn}, Descriptor{Accessor: true, Get: fn}, true},
		{"different getter", Descriptor{Accessor: true, Get: fn}, Descriptor{Accessor: true, Get: other}, false},
		{"nil is undefined", Descriptor{}, Descriptor{Value: goja.Undefined()}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Equal(tc.b))
		})
	}
}
