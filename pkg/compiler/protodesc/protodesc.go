package protodesc

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/compiler"
	"github.com/platinummonkey/hotload/pkg/namespace"
)

// PluginID is the compiler plugin id archives name to have their .proto
// entries compiled to descriptors.
const PluginID = "protodesc"

// Plugin compiles .proto archive entries into protoreflect.FileDescriptor
// symbols.
type Plugin struct{}

var _ compiler.Plugin = (*Plugin)(nil)

// New creates the descriptor compiler plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) ID() string { return PluginID }

func (p *Plugin) Compilers() []compiler.Compiler {
	return []compiler.Compiler{&descCompiler{}}
}

type descCompiler struct{}

func (c *descCompiler) ShouldCompile(a archive.Archive) bool {
	return a.Spec().RequiresPlugin(PluginID)
}

func (c *descCompiler) Compile(ctx context.Context, a archive.Archive, ns *namespace.Namespace, workDir string) ([]namespace.Symbol, error) {
	id := a.Spec().ID

	entries := make(map[string]struct{})
	var protoPaths []string
	for _, name := range a.Entries() {
		entries[name] = struct{}{}
		if strings.HasSuffix(name, ".proto") {
			protoPaths = append(protoPaths, name)
		}
	}
	sort.Strings(protoPaths)
	if len(protoPaths) == 0 {
		return nil, nil
	}

	cc := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&nsResolver{a: a, ns: ns, entries: entries}),
	}
	files, err := cc.Compile(ctx, protoPaths...)
	if err != nil {
		return nil, compiler.NewError(PluginID, id, err)
	}

	symbols := make([]namespace.Symbol, 0, len(files))
	for _, f := range files {
		symbols = append(symbols, namespace.Symbol{
			Name:  SymbolName(f.Path()),
			Value: protoreflect.FileDescriptor(f),
		})
	}
	ns.AddSymbols(symbols)
	return symbols, nil
}

// SymbolName maps a proto file path to the namespace symbol its descriptor
// is published under: "acme/billing/invoice.proto" -> "acme.billing.invoice".
func SymbolName(protoPath string) string {
	return strings.ReplaceAll(strings.TrimSuffix(protoPath, ".proto"), "/", ".")
}

// nsResolver serves compile-time imports: archive entries first, then
// descriptors exported by dependency modules through the namespace.
type nsResolver struct {
	a       archive.Archive
	ns      *namespace.Namespace
	entries map[string]struct{}
}

func (r *nsResolver) FindFileByPath(path string) (protocompile.SearchResult, error) {
	if _, ok := r.entries[path]; ok {
		data, err := r.a.Bytes(path)
		if err != nil {
			return protocompile.SearchResult{}, err
		}
		return protocompile.SearchResult{Source: bytes.NewReader(data)}, nil
	}
	if v, ok := r.ns.Resolve(SymbolName(path)); ok {
		if fd, ok := v.(protoreflect.FileDescriptor); ok {
			return protocompile.SearchResult{Desc: fd}, nil
		}
	}
	return protocompile.SearchResult{}, protoregistry.NotFound
}
