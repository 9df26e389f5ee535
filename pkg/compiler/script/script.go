package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/compiler"
	"github.com/platinummonkey/hotload/pkg/namespace"
)

// PluginID is the compiler plugin id archives name to be script-compiled.
const PluginID = "goja"

// Func is the callable form of an exported script function. Invocations are
// serialized per module VM; goja runtimes are not goroutine safe.
type Func func(args ...any) (any, error)

// Plugin compiles .js archive entries.
type Plugin struct{}

var _ compiler.Plugin = (*Plugin)(nil)

// New creates the script compiler plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) ID() string { return PluginID }

func (p *Plugin) Compilers() []compiler.Compiler {
	return []compiler.Compiler{&scriptCompiler{}}
}

type scriptCompiler struct{}

func (c *scriptCompiler) ShouldCompile(a archive.Archive) bool {
	return a.Spec().RequiresPlugin(PluginID)
}

// vm owns one goja runtime per compiled module.
type vm struct {
	mu sync.Mutex
	rt *goja.Runtime
}

func (c *scriptCompiler) Compile(ctx context.Context, a archive.Archive, ns *namespace.Namespace, workDir string) ([]namespace.Symbol, error) {
	id := a.Spec().ID

	var sources []string
	for _, name := range a.Entries() {
		if strings.HasSuffix(name, ".js") {
			sources = append(sources, name)
		}
	}
	sort.Strings(sources)
	if len(sources) == 0 {
		return nil, nil
	}

	machine := &vm{rt: goja.New()}

	// require resolves through the module namespace at call time, which is
	// what lets a relinked dependency show through without recompiling.
	err := machine.rt.Set("require", func(name string) (goja.Value, error) {
		v, ok := ns.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("unresolved symbol %q in module %s", name, id)
		}
		return machine.rt.ToValue(v), nil
	})
	if err != nil {
		return nil, compiler.NewError(PluginID, id, err)
	}
	err = machine.rt.Set("resource", func(name string) (string, error) {
		data, err := ns.Resource(name)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return nil, compiler.NewError(PluginID, id, err)
	}

	stop := watchContext(ctx, machine.rt)
	defer stop()

	var symbols []namespace.Symbol
	for _, entry := range sources {
		src, err := a.Bytes(entry)
		if err != nil {
			return nil, compiler.NewError(PluginID, id, err)
		}
		prog, err := goja.Compile(entry, string(src), true)
		if err != nil {
			return nil, compiler.NewError(PluginID, id, err)
		}

		exports := machine.rt.NewObject()
		if err := machine.rt.Set("exports", exports); err != nil {
			return nil, compiler.NewError(PluginID, id, err)
		}
		if _, err := machine.rt.RunProgram(prog); err != nil {
			return nil, compiler.NewError(PluginID, id, err)
		}

		pkg := packageOfEntry(entry)
		for _, key := range exports.Keys() {
			name := key
			if pkg != "" {
				name = pkg + "." + key
			}
			symbols = append(symbols, namespace.Symbol{
				Name:  name,
				Value: exportValue(machine, exports.Get(key)),
			})
		}
	}

	ns.AddSymbols(symbols)
	return symbols, nil
}

// packageOfEntry maps an entry path to a dotted package: "com/foo/x.js"
// belongs to "com.foo", a root-level entry to the root package.
func packageOfEntry(entry string) string {
	idx := strings.LastIndex(entry, "/")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(entry[:idx], "/", ".")
}

// exportValue converts an exported goja value into a namespace symbol value.
// Functions are wrapped so consumers (and other modules' VMs) can call them
// without holding a reference to this VM.
func exportValue(machine *vm, v goja.Value) any {
	if fn, ok := goja.AssertFunction(v); ok {
		return Func(func(args ...any) (any, error) {
			machine.mu.Lock()
			defer machine.mu.Unlock()
			gargs := make([]goja.Value, len(args))
			for i, a := range args {
				gargs[i] = machine.rt.ToValue(a)
			}
			res, err := fn(goja.Undefined(), gargs...)
			if err != nil {
				return nil, err
			}
			return res.Export(), nil
		})
	}
	return v.Export()
}

// watchContext wires context cancellation into the VM interrupt mechanism.
func watchContext(ctx context.Context, rt *goja.Runtime) (stop func()) {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	return func() { close(done); rt.ClearInterrupt() }
}
