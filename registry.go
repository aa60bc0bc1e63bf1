package haywire

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// RouteEntry pairs a handler with the opaque data it was registered with.
type RouteEntry struct {
	handler Handler
	data    any
	prefix  string
}

// Handler returns the entry's handler.
func (e RouteEntry) Handler() Handler { return e.handler }

// Data returns the opaque data the route was registered with.
func (e RouteEntry) Data() any { return e.data }

// Prefix returns the mounted prefix the entry was found under, or an empty string for an exact-match route.
func (e RouteEntry) Prefix() string { return e.prefix }

// Registry maps request paths onto handlers. It is filled before the server starts and is read-only afterwards,
// so lookups need no synchronization.
type Registry struct {
	routes   map[string]RouteEntry
	mounts   map[string]RouteEntry
	prefixes []string
	frozen   bool
}

// NewRegistry inits an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		routes: make(map[string]RouteEntry),
		mounts: make(map[string]RouteEntry),
	}
}

// Register adds an exact-match route. Registering a path that is already present fails with [ErrDuplicateRoute]
// and leaves the existing route in place.
func (r *Registry) Register(path string, h Handler, data any) error {
	if err := r.checkRegister(path, h); err != nil {
		return err
	}

	if _, exists := r.routes[path]; exists {
		return errors.Wrapf(ErrDuplicateRoute, "route %q already exists", path)
	}

	r.routes[path] = RouteEntry{handler: h, data: data}

	return nil
}

// Lookup returns the route for path. Exact routes take precedence over mounts; among mounts the longest matching
// prefix wins.
func (r *Registry) Lookup(path string) (RouteEntry, bool) {
	if e, ok := r.routes[path]; ok {
		return e, true
	}

	for _, prefix := range r.prefixes {
		if prefix == "/" || path == prefix || strings.HasPrefix(path, prefix+"/") {
			return r.mounts[prefix], true
		}
	}

	return RouteEntry{}, false
}

// Paths returns the exact-match paths in lexical order.
func (r *Registry) Paths() []string {
	paths := lo.Keys(r.routes)
	sort.Strings(paths)

	return paths
}

// Freeze makes the registry read-only. It is called when the server starts accepting connections.
func (r *Registry) Freeze() { r.frozen = true }

// Frozen reports whether the registry is read-only.
func (r *Registry) Frozen() bool { return r.frozen }

func (r *Registry) checkRegister(path string, h Handler) error {
	if r.frozen {
		return errors.Wrapf(ErrRegistryFrozen, "cannot register %q", path)
	}

	if path == "" || path[0] != '/' {
		return errors.Wrapf(ErrInvalidRoute, "path %q must start with a slash", path)
	}

	if h == nil {
		return errors.Wrapf(ErrInvalidRoute, "nil handler for %q", path)
	}

	return nil
}
