package namespace

import (
	"strings"
)

// PackageOf returns the dotted package of a symbol name: everything before
// the last dot. Symbols without a dot live in the root package "".
func PackageOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

// PackageFilter matches dotted package names against a set of patterns. A
// pattern is either an exact package ("com.foo") or a prefix glob
// ("com.foo.*") which matches the package itself and everything below it.
// An empty filter allows everything; filters narrow, they never grant.
type PackageFilter struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewPackageFilter compiles a filter from patterns.
func NewPackageFilter(patterns []string) *PackageFilter {
	f := &PackageFilter{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == "*" {
			// wildcard-everything collapses to the empty (allow-all) filter
			return &PackageFilter{exact: map[string]struct{}{}}
		}
		if strings.HasSuffix(p, ".*") {
			base := strings.TrimSuffix(p, ".*")
			f.prefixes = append(f.prefixes, base)
			f.exact[base] = struct{}{}
			continue
		}
		f.exact[p] = struct{}{}
	}
	return f
}

// Empty reports whether the filter has no patterns (allow-all).
func (f *PackageFilter) Empty() bool {
	return len(f.exact) == 0 && len(f.prefixes) == 0
}

// Allows reports whether the package passes the filter.
func (f *PackageFilter) Allows(pkg string) bool {
	if f == nil || f.Empty() {
		return true
	}
	if _, ok := f.exact[pkg]; ok {
		return true
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(pkg, prefix+".") {
			return true
		}
	}
	return false
}

// AllowsSymbol reports whether a symbol's package passes the filter.
func (f *PackageFilter) AllowsSymbol(name string) bool {
	return f.Allows(PackageOf(name))
}
