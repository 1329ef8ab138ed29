package snapshot

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Resolver maps module identifiers onto the key space of a cache store, and
// constructs the records stored under those keys.
type Resolver interface {
	Resolve(id string) (string, error)
	NewModule(path string) *goja.Object
}

// Substitute is a replacement export value for a module identifier.
type Substitute struct {
	ID      string
	Exports goja.Value
}

type cacheEntry struct {
	key    string
	record goja.Value
}

// ModuleCache is a shallow copy of every entry of a module cache store.
type ModuleCache struct {
	store    *goja.Object
	entries  []cacheEntry
	restored bool
}

// CaptureModuleCache copies the current entries of store. Records are
// shared, not cloned.
func CaptureModuleCache(store *goja.Object) *ModuleCache {
	keys := store.Keys()
	m := &ModuleCache{
		store:   store,
		entries: make([]cacheEntry, 0, len(keys)),
	}
	for _, key := range keys {
		m.entries = append(m.entries, cacheEntry{key: key, record: store.Get(key)})
	}
	return m
}

// Len returns the number of captured entries.
func (m *ModuleCache) Len() int { return len(m.entries) }

// Keys returns the captured keys, in capture order.
func (m *ModuleCache) Keys() []string {
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.key
	}
	return keys
}

// Restore replaces the contents of the store with the captured entries.
// Entries added since capture are discarded. Only the first call has any
// effect.
func (m *ModuleCache) Restore() error {
	if m.restored {
		return nil
	}
	m.restored = true

	errs := []error{ClearModuleCache(m.store)}
	for _, e := range m.entries {
		if err := m.store.Set(e.key, e.record); err != nil {
			errs = append(errs, fmt.Errorf("snapshot: restore cache entry %q: %w", e.key, err))
		}
	}
	return errors.Join(errs...)
}

// ClearModuleCache deletes every entry of store.
func ClearModuleCache(store *goja.Object) error {
	var errs []error
	for _, key := range store.Keys() {
		if err := store.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("snapshot: clear cache entry %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Populate inserts one synthetic record per substitute, keyed by the
// canonical path resolver gives its identifier, with exports set to the
// substitute value. Substitutes are applied in the order given, so when two
// identifiers resolve to the same path the later one wins.
func Populate(store *goja.Object, substitutes []Substitute, resolver Resolver) error {
	if len(substitutes) == 0 {
		return nil
	}
	if resolver == nil {
		return errors.New("snapshot: nil resolver")
	}
	for _, s := range substitutes {
		path, err := resolver.Resolve(s.ID)
		if err != nil {
			return fmt.Errorf("snapshot: resolve substitute %q: %w", s.ID, err)
		}
		record := resolver.NewModule(path)
		if err := record.Set("exports", orUndefined(s.Exports)); err != nil {
			return fmt.Errorf("snapshot: set exports of %q: %w", s.ID, err)
		}
		if err := store.Set(path, record); err != nil {
			return fmt.Errorf("snapshot: insert substitute %q: %w", s.ID, err)
		}
	}
	return nil
}
