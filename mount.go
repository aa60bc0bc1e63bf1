package haywire

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Mount registers a prefix route. It matches the prefix itself and every path below it, so mounting "/static"
// serves "/static" and "/static/css/site.css" but not "/staticfiles". Mounting "/" matches every path that has
// no better route. A trailing slash on the prefix is ignored.
func (r *Registry) Mount(prefix string, h Handler, data any) error {
	if err := r.checkRegister(prefix, h); err != nil {
		return err
	}

	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
		if prefix == "" {
			prefix = "/"
		}
	}

	if _, exists := r.mounts[prefix]; exists {
		return errors.Wrapf(ErrDuplicateRoute, "mount %q already exists", prefix)
	}

	r.mounts[prefix] = RouteEntry{handler: h, data: data, prefix: prefix}
	r.prefixes = lo.Keys(r.mounts)
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i]) != len(r.prefixes[j]) {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		}

		return r.prefixes[i] < r.prefixes[j]
	})

	return nil
}

// Mounts returns the mounted prefixes, longest first.
func (r *Registry) Mounts() []string {
	return append([]string(nil), r.prefixes...)
}

// stripPrefix returns the part of path below the mounted prefix, always starting with a slash.
func stripPrefix(prefix, path string) string {
	if prefix == "/" {
		return path
	}

	p := strings.TrimPrefix(path, strings.TrimRight(prefix, "/"))
	if p == "" {
		p = "/"
	}

	return p
}
