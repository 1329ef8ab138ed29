// Package snapshot captures and restores the mutable state a mock scope
// protects: the own properties of individual objects, and the entries of a
// module cache store.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Descriptor is the complete attribute record of one own property.
//
// Exactly one of the data form (Value, Writable) or the accessor form (Get,
// Set) is meaningful, selected by Accessor.
type Descriptor struct {
	Value        goja.Value
	Get          goja.Value
	Set          goja.Value
	Writable     bool
	Enumerable   bool
	Configurable bool
	Accessor     bool
}

// Equal reports whether every field of d matches other. Values are compared
// using SameValue, so NaN equals NaN and objects compare by identity.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.firstDifference(other) == ""
}

// firstDifference returns the name of the first field that differs, or "".
func (d Descriptor) firstDifference(other Descriptor) string {
	if d.Accessor != other.Accessor {
		if d.Accessor {
			return "get"
		}
		return "value"
	}
	if d.Accessor {
		if !sameValue(d.Get, other.Get) {
			return "get"
		}
		if !sameValue(d.Set, other.Set) {
			return "set"
		}
	} else {
		if !sameValue(d.Value, other.Value) {
			return "value"
		}
		if d.Writable != other.Writable {
			return "writable"
		}
	}
	if d.Enumerable != other.Enumerable {
		return "enumerable"
	}
	if d.Configurable != other.Configurable {
		return "configurable"
	}
	return ""
}

// apply redefines name on obj using the whole descriptor.
func (d Descriptor) apply(obj *goja.Object, name string) error {
	if d.Accessor {
		return obj.DefineAccessorProperty(name, orUndefined(d.Get), orUndefined(d.Set), flag(d.Configurable), flag(d.Enumerable))
	}
	return obj.DefineDataProperty(name, orUndefined(d.Value), flag(d.Writable), flag(d.Configurable), flag(d.Enumerable))
}

// Reflector reads property descriptors using the runtime's intrinsic
// Object.getOwnPropertyDescriptor, bound once at construction.
type Reflector struct {
	runtime *goja.Runtime
	object  goja.Value
	gopd    goja.Callable
}

// NewReflector binds a Reflector to runtime. It must be created before any
// code that might replace the global Object runs.
func NewReflector(runtime *goja.Runtime) (*Reflector, error) {
	if runtime == nil {
		return nil, errors.New("snapshot: nil runtime")
	}
	object := runtime.Get("Object")
	if object == nil || goja.IsUndefined(object) || goja.IsNull(object) {
		return nil, errors.New("snapshot: runtime has no Object intrinsic")
	}
	gopd, ok := goja.AssertFunction(object.ToObject(runtime).Get("getOwnPropertyDescriptor"))
	if !ok {
		return nil, errors.New("snapshot: Object.getOwnPropertyDescriptor is not callable")
	}
	return &Reflector{runtime: runtime, object: object, gopd: gopd}, nil
}

// Runtime returns the runtime the Reflector is bound to.
func (r *Reflector) Runtime() *goja.Runtime { return r.runtime }

// Describe returns the descriptor of the own property name of obj. The bool
// result is false if obj has no such own property.
func (r *Reflector) Describe(obj *goja.Object, name string) (Descriptor, bool, error) {
	v, err := r.gopd(r.object, obj, r.runtime.ToValue(name))
	if err != nil {
		return Descriptor{}, false, fmt.Errorf("snapshot: describe %q: %w", name, err)
	}
	if v == nil || goja.IsUndefined(v) {
		return Descriptor{}, false, nil
	}
	desc := v.ToObject(r.runtime)

	var d Descriptor
	for _, key := range desc.Keys() {
		field := desc.Get(key)
		switch key {
		case "value":
			d.Value = field
		case "writable":
			d.Writable = field.ToBoolean()
		case "get":
			d.Get = field
			d.Accessor = true
		case "set":
			d.Set = field
			d.Accessor = true
		case "enumerable":
			d.Enumerable = field.ToBoolean()
		case "configurable":
			d.Configurable = field.ToBoolean()
		}
	}
	return d, true, nil
}

func sameValue(a, b goja.Value) bool {
	return orUndefined(a).SameAs(orUndefined(b))
}

func orUndefined(v goja.Value) goja.Value {
	if v == nil {
		return goja.Undefined()
	}
	return v
}

func flag(b bool) goja.Flag {
	if b {
		return goja.FLAG_TRUE
	}
	return goja.FLAG_FALSE
}
