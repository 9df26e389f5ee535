package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/compiler"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/namespace"
)

func scriptArchive(t *testing.T, id string, entries map[string]string) archive.Archive {
	t.Helper()
	mid, err := module.ParseID(id)
	require.NoError(t, err)
	spec := module.NewSpec(mid)
	spec.CompilerPluginIDs = []string{PluginID}
	raw := make(map[string][]byte, len(entries))
	for name, content := range entries {
		raw[name] = []byte(content)
	}
	a, err := archive.NewMemArchive(spec, raw, time.Unix(100, 0))
	require.NoError(t, err)
	return a
}

func compileInto(t *testing.T, a archive.Archive, ns *namespace.Namespace) []namespace.Symbol {
	t.Helper()
	c := New().Compilers()[0]
	require.True(t, c.ShouldCompile(a))
	syms, err := c.Compile(context.Background(), a, ns, t.TempDir())
	require.NoError(t, err)
	return syms
}

func TestShouldCompile(t *testing.T) {
	a := scriptArchive(t, "m.v1", map[string]string{"m.js": "exports.x = 1;"})
	assert.True(t, New().Compilers()[0].ShouldCompile(a))

	other, err := archive.NewMemArchive(module.NewSpec(module.NewID("m", "v1")), nil, time.Unix(1, 0))
	require.NoError(t, err)
	assert.False(t, New().Compilers()[0].ShouldCompile(other))
}

func TestCompileExportsSymbols(t *testing.T) {
	a := scriptArchive(t, "hello.v1", map[string]string{
		"hello.js": `
			exports.Hello = function() { return "hello world"; };
			exports.Answer = 42;
		`,
	})
	ns := namespace.New("hello.v1", namespace.WithResources(a))
	compileInto(t, a, ns)

	v, ok := ns.Resolve("Hello")
	require.True(t, ok)
	fn, ok := v.(Func)
	require.True(t, ok)
	out, err := fn()
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	answer, ok := ns.Resolve("Answer")
	require.True(t, ok)
	assert.EqualValues(t, 42, answer)
}

func TestEntryDirectoriesBecomePackages(t *testing.T) {
	a := scriptArchive(t, "pkgd.v1", map[string]string{
		"com/acme/util.js": `exports.Upper = function(s) { return s.toUpperCase(); };`,
	})
	ns := namespace.New("pkgd.v1", namespace.WithResources(a))
	compileInto(t, a, ns)

	v, ok := ns.Resolve("com.acme.Upper")
	require.True(t, ok)
	out, err := v.(Func)("abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", out)
}

func TestRequireResolvesThroughNamespaceAtCallTime(t *testing.T) {
	libV1 := scriptArchive(t, "lib.v1", map[string]string{
		"lib.js": `exports.version = function() { return "v1"; };`,
	})
	libV1NS := namespace.New("lib.v1", namespace.WithResources(libV1))
	compileInto(t, libV1, libV1NS)

	current := libV1NS
	appArchive := scriptArchive(t, "app.v1", map[string]string{
		"app.js": `exports.libVersion = function() { return require("version")(); };`,
	})
	appNS := namespace.New("app.v1",
		namespace.WithResources(appArchive),
		namespace.WithBindings([]namespace.Binding{{
			Module:  module.NewID("lib", "v1"),
			Resolve: func() *namespace.Namespace { return current },
		}}),
	)
	compileInto(t, appArchive, appNS)

	v, ok := appNS.Resolve("libVersion")
	require.True(t, ok)
	fn := v.(Func)

	out, err := fn()
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	// Upgrade the library and relink; the app must observe v2 without any
	// recompilation.
	libV2 := scriptArchive(t, "lib.v2", map[string]string{
		"lib.js": `exports.version = function() { return "v2"; };`,
	})
	libV2NS := namespace.New("lib.v2", namespace.WithResources(libV2))
	compileInto(t, libV2, libV2NS)

	current = libV2NS
	appNS.Relink([]namespace.Binding{{
		Module:  module.NewID("lib", "v2"),
		Resolve: func() *namespace.Namespace { return libV2NS },
	}})

	out, err = fn()
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
}

func TestResourceAccess(t *testing.T) {
	a := scriptArchive(t, "res.v1", map[string]string{
		"main.js":   `exports.greeting = function() { return resource("greeting.txt"); };`,
		"greeting.txt": "howdy",
	})
	ns := namespace.New("res.v1", namespace.WithResources(a))
	compileInto(t, a, ns)

	v, _ := ns.Resolve("greeting")
	out, err := v.(Func)()
	require.NoError(t, err)
	assert.Equal(t, "howdy", out)
}

func TestCompileErrorIsTyped(t *testing.T) {
	a := scriptArchive(t, "bad.v1", map[string]string{"bad.js": "function ("})
	ns := namespace.New("bad.v1")

	_, err := New().Compilers()[0].Compile(context.Background(), a, ns, t.TempDir())
	require.Error(t, err)
	var cerr *compiler.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, PluginID, cerr.PluginID)
	assert.Equal(t, module.NewID("bad", "v1"), cerr.Module)
}

func TestRequireUnresolvedThrows(t *testing.T) {
	a := scriptArchive(t, "m.v1", map[string]string{
		"m.js": `exports.boom = function() { return require("nope")(); };`,
	})
	ns := namespace.New("m.v1", namespace.WithResources(a))
	compileInto(t, a, ns)

	v, _ := ns.Resolve("boom")
	_, err := v.(Func)()
	assert.Error(t, err)
}
