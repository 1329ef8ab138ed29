package remock

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dop251/goja"
	"github.com/joeycumines/remock/internal/snapshot"
)

// ReservedKey is the configuration key, in the JavaScript form of a config
// object, whose value lists the extra objects to protect. Every other key is
// a module identifier to substitute.
const ReservedKey = "globalVars"

// Config describes what a scope substitutes and protects, beyond the module
// cache and the global object, which are always protected.
type Config struct {
	// Modules maps module identifiers to substitute export values. Values
	// are converted with goja.Runtime.ToValue. ReservedKey is ignored.
	Modules map[string]any

	// GlobalVars are extra objects whose own properties are snapshotted,
	// and restored in this order, before the global object.
	GlobalVars []*goja.Object

	// order is the key order of the script config, when parsed from one.
	order []string
}

func (c *Config) validate() error {
	if c == nil {
		return nil
	}
	for i, obj := range c.GlobalVars {
		if obj == nil {
			return fmt.Errorf("%w: %q entry %d must be an object", ErrInvalidArgument, ReservedKey, i)
		}
	}
	for id := range c.Modules {
		if id == "" {
			return fmt.Errorf("%w: module identifier must not be empty", ErrInvalidArgument)
		}
	}
	return nil
}

func (c *Config) objects() []*goja.Object {
	if c == nil {
		return nil
	}
	return c.GlobalVars
}

// substitutes lists Modules in script key order when known, otherwise (and
// for keys added afterward) in identifier order.
func (c *Config) substitutes(runtime *goja.Runtime) []snapshot.Substitute {
	if c == nil || len(c.Modules) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.Modules))
	seen := make(map[string]bool, len(c.Modules))
	for _, id := range c.order {
		if _, ok := c.Modules[id]; ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	rest := make([]string, 0, len(c.Modules)-len(ids))
	for id := range c.Modules {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)

	out := make([]snapshot.Substitute, 0, len(c.Modules))
	for _, id := range append(ids, rest...) {
		if id == ReservedKey {
			continue
		}
		out = append(out, snapshot.Substitute{ID: id, Exports: runtime.ToValue(c.Modules[id])})
	}
	return out
}

// ParseConfig converts a JavaScript config value. Undefined and null yield a
// nil Config. Anything other than a non-function object, or a ReservedKey
// entry that is not an array of objects, fails with ErrInvalidArgument.
func ParseConfig(runtime *goja.Runtime, v goja.Value) (*Config, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("%w: invalid mock object provided to remock", ErrInvalidArgument)
	}
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return nil, fmt.Errorf("%w: invalid mock object provided to remock", ErrInvalidArgument)
	}

	cfg := &Config{Modules: make(map[string]any)}
	for _, key := range obj.Keys() {
		if key == ReservedKey {
			continue
		}
		cfg.Modules[key] = obj.Get(key)
		cfg.order = append(cfg.order, key)
	}

	if !hasOwn(obj, ReservedKey) {
		return cfg, nil
	}
	list, ok := obj.Get(ReservedKey).(*goja.Object)
	if !ok || list.ClassName() != "Array" {
		return nil, fmt.Errorf("%w: %q key must be an array", ErrInvalidArgument, ReservedKey)
	}
	n := list.Get("length").ToInteger()
	for i := int64(0); i < n; i++ {
		item, ok := list.Get(strconv.FormatInt(i, 10)).(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("%w: %q entry %d must be an object", ErrInvalidArgument, ReservedKey, i)
		}
		cfg.GlobalVars = append(cfg.GlobalVars, item)
	}
	return cfg, nil
}

func hasOwn(obj *goja.Object, name string) bool {
	for _, key := range obj.GetOwnPropertyNames() {
		if key == name {
			return true
		}
	}
	return false
}
