package snapshot

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Properties is an immutable record of the own property descriptors of one
// object, taken at a point in time. It is consumed by a single Restore.
type Properties struct {
	reflector *Reflector
	target    *goja.Object
	names     []string
	descs     map[string]Descriptor
	restored  bool
}

// CaptureProperties records the descriptor of every own string-keyed
// property of obj, including non-enumerable ones. It does not modify obj.
func CaptureProperties(r *Reflector, obj *goja.Object) (*Properties, error) {
	if r == nil {
		return nil, errors.New("snapshot: nil reflector")
	}
	if obj == nil {
		return nil, errors.New("snapshot: nil target object")
	}
	names := obj.GetOwnPropertyNames()
	p := &Properties{
		reflector: r,
		target:    obj,
		names:     names,
		descs:     make(map[string]Descriptor, len(names)),
	}
	for _, name := range names {
		d, ok, err := r.Describe(obj, name)
		if err != nil {
			return nil, err
		}
		if ok {
			p.descs[name] = d
		}
	}
	return p, nil
}

// Target returns the object the snapshot was captured from.
func (p *Properties) Target() *goja.Object { return p.target }

// Names returns the captured property names, in capture order.
func (p *Properties) Names() []string {
	return append([]string(nil), p.names...)
}

// Lookup returns the captured descriptor of name.
func (p *Properties) Lookup(name string) (Descriptor, bool) {
	d, ok := p.descs[name]
	return d, ok
}

// Restore reverts the target to the captured state:
//   - properties added since capture are deleted
//   - properties whose descriptor changed get the captured descriptor back
//   - unchanged properties are left alone
//
// Properties deleted since capture are NOT re-added.
//
// Every property is visited even if some fail; the failures are joined.
// Only the first call has any effect.
func (p *Properties) Restore() error {
	if p.restored {
		return nil
	}
	p.restored = true

	var errs []error
	for _, name := range p.target.GetOwnPropertyNames() {
		prev, ok := p.descs[name]
		if !ok {
			if err := p.target.Delete(name); err != nil {
				errs = append(errs, fmt.Errorf("snapshot: delete added property %q: %w", name, err))
			}
			continue
		}
		cur, exists, err := p.reflector.Describe(p.target, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if exists && cur.firstDifference(prev) == "" {
			continue
		}
		if err := prev.apply(p.target, name); err != nil {
			errs = append(errs, fmt.Errorf("snapshot: redefine property %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
