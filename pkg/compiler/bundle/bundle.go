// Package bundle is the fast-path loader for precompiled archives: entries
// named *.symbols.json carry ready-made symbol tables that are registered
// straight into the namespace, one definition call per symbol, with no
// source compilation step.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/compiler"
	"github.com/platinummonkey/hotload/pkg/namespace"
)

// PluginID is the compiler plugin id archives name for fast-path loading.
const PluginID = "bundle"

// SymbolsSuffix marks entries that carry symbol tables.
const SymbolsSuffix = ".symbols.json"

// Plugin loads precompiled symbol bundles.
type Plugin struct{}

var _ compiler.Plugin = (*Plugin)(nil)

// New creates the bundle plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) ID() string { return PluginID }

func (p *Plugin) Compilers() []compiler.Compiler {
	return []compiler.Compiler{&bundleCompiler{}}
}

type bundleCompiler struct{}

func (c *bundleCompiler) ShouldCompile(a archive.Archive) bool {
	return a.Spec().RequiresPlugin(PluginID)
}

func (c *bundleCompiler) Compile(ctx context.Context, a archive.Archive, ns *namespace.Namespace, workDir string) ([]namespace.Symbol, error) {
	id := a.Spec().ID

	var symbols []namespace.Symbol
	for _, entry := range a.Entries() {
		if !strings.HasSuffix(entry, SymbolsSuffix) {
			continue
		}
		data, err := a.Bytes(entry)
		if err != nil {
			return nil, compiler.NewError(PluginID, id, err)
		}
		var table map[string]any
		if err := json.Unmarshal(data, &table); err != nil {
			return nil, compiler.NewError(PluginID, id, fmt.Errorf("entry %q: %w", entry, err))
		}
		for name, value := range table {
			// one call per symbol: define and register in the local cache
			ns.Define(name, value)
			symbols = append(symbols, namespace.Symbol{Name: name, Value: value})
		}
	}
	return symbols, nil
}
