package namespace

import (
	"fmt"
	"sort"
	"sync"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
)

// Symbol is a named runtime value published into a namespace by a compiler.
type Symbol struct {
	Name  string
	Value any
}

// Resolver locates the current namespace of a dependency module. Bindings
// hold resolvers rather than namespace pointers so that a namespace never
// owns its dependencies; the loader backs resolvers with its revision table.
type Resolver func() *Namespace

// Binding wires a namespace to one declared dependency. The effective
// visibility of a symbol through a binding is the intersection of the
// importer's import filter and the exporter's export filter.
type Binding struct {
	Module  module.ID
	Resolve Resolver
	// Import restricts which of the dependency's packages this namespace
	// sees. Nil or empty allows all.
	Import *PackageFilter
}

// Namespace is a per-module symbol and resource scope.
//
// Resolution order is local symbols, then dependency bindings in declaration
// order (first match wins), then the parent chain. Bindings can be swapped
// by Relink without touching local symbols, which is how dependents observe
// upgraded dependencies without recompilation.
type Namespace struct {
	name         string
	parent       *Namespace
	parentFilter *PackageFilter
	export       *PackageFilter

	mu       sync.RWMutex
	symbols  map[string]any
	bindings []Binding
	res      []archive.Archive
}

// Option configures a namespace at construction.
type Option func(*Namespace)

// WithParent sets the parent namespace and an optional filter restricting
// which parent packages are visible here.
func WithParent(parent *Namespace, filter []string) Option {
	return func(n *Namespace) {
		n.parent = parent
		n.parentFilter = NewPackageFilter(filter)
	}
}

// WithExportFilter restricts which local packages dependents may import.
func WithExportFilter(filter []string) Option {
	return func(n *Namespace) { n.export = NewPackageFilter(filter) }
}

// WithBindings sets the ordered dependency bindings.
func WithBindings(bindings []Binding) Option {
	return func(n *Namespace) { n.bindings = bindings }
}

// WithResources attaches archives whose raw entries back Resource. When
// more than one archive is attached, lookups scan them in order.
func WithResources(archives ...archive.Archive) Option {
	return func(n *Namespace) { n.res = append(n.res, archives...) }
}

// New creates a namespace.
func New(name string, opts ...Option) *Namespace {
	n := &Namespace{
		name:    name,
		symbols: make(map[string]any),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewPlatform creates a root namespace hosting platform symbols provided by
// the embedding process. Modules reach it through the parent chain, subject
// to the loader's app-package filter.
func NewPlatform(symbols map[string]any) *Namespace {
	n := New("platform")
	for name, v := range symbols {
		n.symbols[name] = v
	}
	return n
}

// Name returns the namespace name (normally the module ID string).
func (n *Namespace) Name() string { return n.name }

// Define publishes one symbol. This is the fast path used by precompiled
// loaders: a single call both defines the value and registers it locally.
func (n *Namespace) Define(name string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.symbols[name] = value
}

// AddSymbols bulk-registers compiler output.
func (n *Namespace) AddSymbols(symbols []Symbol) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range symbols {
		n.symbols[s.Name] = s.Value
	}
}

// Symbols returns the sorted names of all locally defined symbols.
func (n *Namespace) Symbols() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.symbols))
	for name := range n.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve looks a symbol up: local, then dependency exports in declaration
// order, then the parent chain.
func (n *Namespace) Resolve(name string) (any, bool) {
	n.mu.RLock()
	if v, ok := n.symbols[name]; ok {
		n.mu.RUnlock()
		return v, true
	}
	bindings := n.bindings
	n.mu.RUnlock()

	pkg := PackageOf(name)
	for _, b := range bindings {
		if !b.Import.Allows(pkg) {
			continue
		}
		dep := b.Resolve()
		if dep == nil {
			continue
		}
		if v, ok := dep.ResolveExported(name); ok {
			return v, true
		}
	}

	if n.parent != nil && n.parentFilter.Allows(pkg) {
		return n.parent.Resolve(name)
	}
	return nil, false
}

// ResolveExported looks up a local symbol subject to this namespace's export
// filter. Dependencies are not transitively re-exported.
func (n *Namespace) ResolveExported(name string) (any, bool) {
	if !n.export.AllowsSymbol(name) {
		return nil, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.symbols[name]
	return v, ok
}

// Resource returns a raw archive entry by relative name, scanning attached
// archives in order.
func (n *Namespace) Resource(name string) ([]byte, error) {
	n.mu.RLock()
	res := n.res
	n.mu.RUnlock()
	for _, a := range res {
		if data, err := a.Bytes(name); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("no resource %q in namespace %s", name, n.name)
}

// Bindings returns a snapshot of the current dependency bindings.
func (n *Namespace) Bindings() []Binding {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Binding{}, n.bindings...)
}

// Relink atomically replaces the dependency bindings while retaining every
// local symbol. Compiled code resolving through this namespace observes the
// new dependencies on its next lookup; nothing is recompiled.
func (n *Namespace) Relink(bindings []Binding) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bindings = bindings
}
