package module

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSpecCodecRoundTrip(t *testing.T) {
	codec := &JSONSpecCodec{}

	spec := NewSpec(NewID("com.acme.app", "v3"))
	spec.CompilerPluginIDs = []string{"goja", "bundle"}
	spec.Dependencies = []ID{NewID("com.acme.lib", "v1"), NewID("util", "v2")}
	spec.ImportFilters = []string{"com.acme.*"}
	spec.ExportFilters = []string{"com.acme.app.*"}
	spec.Metadata = map[string]string{"owner": "platform-team"}
	spec.AppData = map[string]json.RawMessage{"canaryWeight": json.RawMessage(`5`)}

	data, err := codec.Encode(spec)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, spec, decoded)
}

func TestJSONSpecCodecJSONRoundTrip(t *testing.T) {
	codec := &JSONSpecCodec{}
	src := `{
		"moduleId": "com.acme.app.v3",
		"compilerPluginIds": ["goja"],
		"moduleDependencies": ["com.acme.lib.v1", "util.v2"],
		"importPackageFilters": ["com.acme.*"],
		"exportPackageFilters": ["com.acme.app.*"],
		"metadata": {"owner": "platform-team"}
	}`

	spec, err := codec.Decode([]byte(src))
	require.NoError(t, err)
	out, err := codec.Encode(spec)
	require.NoError(t, err)
	assert.JSONEq(t, src, string(out))
}

func TestJSONSpecCodecDecodeDefaults(t *testing.T) {
	codec := &JSONSpecCodec{}

	spec, err := codec.Decode([]byte(`{"moduleId": "hello.v1"}`))
	require.NoError(t, err)

	assert.Equal(t, NewID("hello", "v1"), spec.ID)
	assert.Empty(t, spec.CompilerPluginIDs)
	assert.NotNil(t, spec.CompilerPluginIDs)
	assert.NotNil(t, spec.Dependencies)
	assert.NotNil(t, spec.Metadata)
	assert.NotNil(t, spec.AppData)
}

func TestJSONSpecCodecIgnoresUnknownFields(t *testing.T) {
	codec := &JSONSpecCodec{}

	spec, err := codec.Decode([]byte(`{
		"moduleId": "hello.v1",
		"futureField": {"nested": true},
		"metadata": {"k": "v"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "v", spec.Metadata["k"])
}

func TestJSONSpecCodecErrors(t *testing.T) {
	codec := &JSONSpecCodec{}

	t.Run("invalid json", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{not json`))
		var parseErr *SpecParseError
		assert.True(t, errors.As(err, &parseErr))
	})

	t.Run("missing moduleId", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"metadata": {}}`))
		var parseErr *SpecParseError
		assert.True(t, errors.As(err, &parseErr))
	})

	t.Run("encode without id", func(t *testing.T) {
		_, err := codec.Encode(&Spec{})
		assert.Error(t, err)
	})
}

func TestJSONSpecCodecFileName(t *testing.T) {
	assert.Equal(t, "moduleSpec.json", (&JSONSpecCodec{}).FileName())
	assert.Equal(t, "custom.json", (&JSONSpecCodec{SpecFileName: "custom.json"}).FileName())
}
