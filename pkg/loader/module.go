package loader

import (
	"time"

	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/namespace"
)

// Module is the live, linked result of compiling an archive. Modules are
// owned exclusively by their loader; listener callbacks receive borrowed
// references valid within the callback.
type Module struct {
	id         module.ID
	spec       *module.Spec
	ns         *namespace.Namespace
	symbols    []namespace.Symbol
	rootURI    string
	createTime time.Time
	loadedAt   time.Time
	revision   int64
}

// ID returns the module identifier.
func (m *Module) ID() module.ID { return m.id }

// Spec returns the spec the module was built from.
func (m *Module) Spec() *module.Spec { return m.spec }

// Namespace returns the module's symbol/resource scope.
func (m *Module) Namespace() *namespace.Namespace { return m.ns }

// Symbols returns the advisory symbol set reported by the compiler. The
// namespace is authoritative.
func (m *Module) Symbols() []namespace.Symbol {
	return append([]namespace.Symbol{}, m.symbols...)
}

// RootURI locates the archive the module was built from.
func (m *Module) RootURI() string { return m.rootURI }

// CreateTime is the source archive's creation time, used for freshness
// comparisons on subsequent updates.
func (m *Module) CreateTime() time.Time { return m.createTime }

// LoadedAt is when this revision was committed.
func (m *Module) LoadedAt() time.Time { return m.loadedAt }

// RevisionID identifies this generation of the module.
func (m *Module) RevisionID() module.RevisionID {
	return module.RevisionID{Module: m.id, Num: m.revision}
}

// Listener observes module lifecycle events. Callbacks run synchronously on
// the committing thread in commit order and must not call back into the
// loader. The loader may drop listeners at any time; callers needing
// liveness should retain their own reference and re-add.
type Listener interface {
	// ModuleUpdated reports a committed revision; old is nil on first load.
	ModuleUpdated(old, new *Module)
	// ModuleRemoved reports an explicit or cascade removal.
	ModuleRemoved(old *Module)
}

// ListenerFuncs adapts plain functions to the Listener interface.
type ListenerFuncs struct {
	Updated func(old, new *Module)
	Removed func(old *Module)
}

var _ Listener = (*ListenerFuncs)(nil)

func (l *ListenerFuncs) ModuleUpdated(old, new *Module) {
	if l.Updated != nil {
		l.Updated(old, new)
	}
}

func (l *ListenerFuncs) ModuleRemoved(old *Module) {
	if l.Removed != nil {
		l.Removed(old)
	}
}
