package compiler

import (
	"context"
	"fmt"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/namespace"
)

// Compiler translates archive contents into runtime symbols inside the given
// namespace.
//
// The returned symbol set is advisory; compilers may instead publish
// everything through the namespace and return nil. The namespace is
// authoritative either way. Compilers may use workDir for intermediate
// artifacts; it is created before and removed after each compile.
type Compiler interface {
	// ShouldCompile reports whether this compiler can handle the archive,
	// typically by checking that the archive's spec names the owning
	// plugin's id.
	ShouldCompile(a archive.Archive) bool
	// Compile builds the archive into symbols. Failures must be returned
	// as (or wrapped in) *Error so callers can attribute them.
	Compile(ctx context.Context, a archive.Archive, ns *namespace.Namespace, workDir string) ([]namespace.Symbol, error)
}

// Plugin groups one or more compilers under a stable plugin id. Plugins are
// instantiated once per loader, may carry immutable configuration, and must
// not hold global state: they only publish symbols into the namespace passed
// to Compile and read dependencies from it.
type Plugin interface {
	ID() string
	Compilers() []Compiler
}

// Error is the distinguished compile failure, carrying the plugin id and the
// module the archive was for.
type Error struct {
	PluginID string
	Module   module.ID
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %s failed to compile %s: %v", e.PluginID, e.Module, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps a compile failure.
func NewError(pluginID string, id module.ID, err error) *Error {
	return &Error{PluginID: pluginID, Module: id, Err: err}
}

// Spec describes a plugin to be constructed and hosted by a loader: its id,
// the resource paths its runtime needs, the modules it depends on, the
// platform packages its hosted namespace may see, and free-form metadata.
type Spec struct {
	PluginID           string            `yaml:"plugin_id"`
	RuntimeResources   []string          `yaml:"runtime_resources"`
	ModuleDependencies []module.ID       `yaml:"-"`
	AppImportFilters   []string          `yaml:"app_import_filters"`
	Metadata           map[string]string `yaml:"metadata"`

	// Factory builds the plugin inside its hosted namespace. Required when
	// the loader is configured with specs rather than pre-built plugins.
	Factory Factory `yaml:"-"`
}

// Factory constructs a plugin hosted in the given namespace.
type Factory func(spec Spec, host *namespace.Namespace) (Plugin, error)
