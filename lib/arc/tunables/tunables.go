// Package tunables grows the teacher's compile-time `textui.Tunable[T]`
// marker into a real runtime registry: every cache knob named in
// the tunables table is registered once, with a default value, and
// can be read or written afterward by the CLI or by tests.
package tunables

import (
	"fmt"
	"sync"
)

// Registry holds a set of named, typed tunables. The zero value is
// ready to use.
type Registry struct {
	mu     sync.RWMutex
	values map[string]any
	kinds  map[string]string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		values: make(map[string]any),
		kinds:  make(map[string]string),
	}
}

// Register declares a tunable named name with default value def,
// returning def so the call can be used inline at the declaration
// site — mirroring how the teacher's Tunable(x) wraps a literal in
// place.
func Register[T any](r *Registry, name string, def T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.values[name]; exists {
		panic(fmt.Sprintf("tunables: %q registered twice", name))
	}
	r.values[name] = def
	r.kinds[name] = fmt.Sprintf("%T", def)
	return def
}

// Get returns the current value of name, type-asserted to T. It
// panics if name is unregistered or registered with a different type
// — a programmer error, not a runtime condition callers should handle.
func Get[T any](r *Registry, name string) T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	if !ok {
		panic(fmt.Sprintf("tunables: %q not registered", name))
	}
	return v.(T)
}

// Set updates name to value. It returns an error (rather than
// panicking) when name is unknown or value's type doesn't match what
// was registered, since Set is the path the CLI drives from untrusted
// user input.
func (r *Registry) Set(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.values[name]
	if !ok {
		return fmt.Errorf("tunables: unknown tunable %q", name)
	}
	wantKind := fmt.Sprintf("%T", cur)
	gotKind := fmt.Sprintf("%T", value)
	if wantKind != gotKind {
		return fmt.Errorf("tunables: %q expects %s, got %s", name, wantKind, gotKind)
	}
	r.values[name] = value
	return nil
}

// SetRaw parses str according to the registered kind of name and
// applies it, for CLI flag-style "name=value" input.
func (r *Registry) SetRaw(name, str string) error {
	r.mu.RLock()
	cur, ok := r.values[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tunables: unknown tunable %q", name)
	}
	switch cur.(type) {
	case int64:
		var v int64
		if _, err := fmt.Sscanf(str, "%d", &v); err != nil {
			return fmt.Errorf("tunables: %q: %w", name, err)
		}
		return r.Set(name, v)
	case uint32:
		var v uint32
		if _, err := fmt.Sscanf(str, "%d", &v); err != nil {
			return fmt.Errorf("tunables: %q: %w", name, err)
		}
		return r.Set(name, v)
	case int:
		var v int
		if _, err := fmt.Sscanf(str, "%d", &v); err != nil {
			return fmt.Errorf("tunables: %q: %w", name, err)
		}
		return r.Set(name, v)
	case bool:
		var v bool
		if _, err := fmt.Sscanf(str, "%t", &v); err != nil {
			return fmt.Errorf("tunables: %q: %w", name, err)
		}
		return r.Set(name, v)
	case string:
		return r.Set(name, str)
	default:
		return fmt.Errorf("tunables: %q: unsupported kind %T for raw Set", name, cur)
	}
}

// Names returns every registered tunable name, for `arcctl tunable
// list`.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.values))
	for n := range r.values {
		names = append(names, n)
	}
	return names
}

// RawGet returns the current value of name as an any, for display.
func (r *Registry) RawGet(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	return v, ok
}

// Defaults registers every tunable named in the tunables table (spec
// §6.4) against its documented default and returns the populated
// Registry. Component constructors (Sizer, EvictionEngine, the L2
// subsystem) read their starting values from here so that a single
// registry is the source of truth for both runtime tuning and startup
// defaults.
func Defaults() *Registry {
	r := NewRegistry()

	Register(r, "arc_min", int64(32<<20))
	Register(r, "arc_max", int64(0)) // 0 = platform-specific default, resolved by the caller
	Register(r, "dnode_limit_percent", int64(10))
	Register(r, "grow_retry", int64(5))
	Register(r, "shrink_shift", int64(7))
	Register(r, "no_grow_shift", int64(5))
	Register(r, "average_blocksize", int64(8192))
	Register(r, "compressed_arc_enabled", true)
	Register(r, "meta_balance", uint32(500))
	Register(r, "overflow_shift", int64(5))
	Register(r, "eviction_pct", int64(200))
	Register(r, "evict_batch_limit", int64(10))
	Register(r, "evict_threads", int64(0))
	Register(r, "min_prefetch_ms", int64(6000))
	Register(r, "min_prescient_prefetch_ms", int64(6000))

	Register(r, "l2arc_write_max", int64(8<<20))
	Register(r, "l2arc_write_boost", int64(8<<20))
	Register(r, "l2arc_headroom", int64(2))
	Register(r, "l2arc_headroom_boost", int64(200))
	Register(r, "l2arc_feed_secs", int64(1))
	Register(r, "l2arc_feed_min_ms", int64(200))
	Register(r, "l2arc_feed_again", true)
	Register(r, "l2arc_noprefetch", true)
	Register(r, "l2arc_mfuonly", false)
	Register(r, "l2arc_exclude_special", false)
	Register(r, "l2arc_trim_ahead", int64(0))
	Register(r, "l2arc_rebuild_enabled", true)
	Register(r, "l2arc_rebuild_blocks_min_l2size", int64(1<<30))
	Register(r, "l2arc_meta_percent", int64(33))

	return r
}
