package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	t.Run("name and version", func(t *testing.T) {
		id, err := ParseID("hello.v1")
		require.NoError(t, err)
		assert.Equal(t, "hello", id.Name)
		assert.Equal(t, "v1", id.Version)
	})

	t.Run("dotted name splits at last dot", func(t *testing.T) {
		id, err := ParseID("com.acme.billing.v2")
		require.NoError(t, err)
		assert.Equal(t, "com.acme.billing", id.Name)
		assert.Equal(t, "v2", id.Version)
	})

	t.Run("no version", func(t *testing.T) {
		id, err := ParseID("standalone")
		require.NoError(t, err)
		assert.Equal(t, "standalone", id.Name)
		assert.Equal(t, "", id.Version)
	})

	t.Run("empty is an error", func(t *testing.T) {
		_, err := ParseID("")
		assert.Error(t, err)
	})

	t.Run("round trips through String", func(t *testing.T) {
		for _, s := range []string{"hello.v1", "com.acme.billing.v2", "standalone"} {
			id, err := ParseID(s)
			require.NoError(t, err)
			assert.Equal(t, s, id.String())
		}
	})
}

func TestIDEquality(t *testing.T) {
	a := NewID("m", "v1")
	b := NewID("m", "v1")
	c := NewID("m", "v2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// Usable as a map key by both fields.
	seen := map[ID]bool{a: true}
	assert.True(t, seen[b])
	assert.False(t, seen[c])
}

func TestSpecNormalize(t *testing.T) {
	s := &Spec{ID: NewID("m", "v1")}
	s.Normalize()

	assert.NotNil(t, s.CompilerPluginIDs)
	assert.NotNil(t, s.Dependencies)
	assert.NotNil(t, s.ImportFilters)
	assert.NotNil(t, s.ExportFilters)
	assert.NotNil(t, s.Metadata)
	assert.NotNil(t, s.AppData)
}

func TestSpecHelpers(t *testing.T) {
	s := NewSpec(NewID("app", "v1"))
	s.CompilerPluginIDs = []string{"goja"}
	s.Dependencies = []ID{NewID("lib", "v1")}

	assert.True(t, s.RequiresPlugin("goja"))
	assert.False(t, s.RequiresPlugin("protodesc"))
	assert.True(t, s.DependsOn(NewID("lib", "v1")))
	assert.False(t, s.DependsOn(NewID("lib", "v2")))
}

func TestSpecClone(t *testing.T) {
	s := NewSpec(NewID("app", "v1"))
	s.Metadata["owner"] = "platform"

	clone := s.Clone()
	clone.Metadata["owner"] = "someone-else"
	clone.CompilerPluginIDs = append(clone.CompilerPluginIDs, "goja")

	assert.Equal(t, "platform", s.Metadata["owner"])
	assert.Empty(t, s.CompilerPluginIDs)
}
