package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hotload/pkg/module"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		dest := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
		require.NoError(t, os.WriteFile(dest, []byte(content), 0o644))
	}
}

func TestNewPathArchive(t *testing.T) {
	t.Run("walks recursively and reads spec file", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "hello.v1")
		writeTree(t, root, map[string]string{
			"moduleSpec.json": `{"moduleId": "hello.v1", "compilerPluginIds": ["goja"]}`,
			"hello.js":        "exports.Hello = 1;",
			"sub/util.js":     "exports.util = 1;",
		})

		a, err := NewPathArchive(root)
		require.NoError(t, err)

		assert.Equal(t, module.NewID("hello", "v1"), a.Spec().ID)
		assert.Equal(t, []string{"goja"}, a.Spec().CompilerPluginIDs)
		assert.Equal(t, []string{"hello.js", "sub/util.js"}, a.Entries(),
			"spec file must be excluded from entries")
	})

	t.Run("defaults module id from directory name", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "plain.v2")
		writeTree(t, root, map[string]string{"a.txt": "a"})

		a, err := NewPathArchive(root)
		require.NoError(t, err)
		assert.Equal(t, module.NewID("plain", "v2"), a.Spec().ID)
	})

	t.Run("whitelist restricts entries", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "m.v1")
		writeTree(t, root, map[string]string{"a.txt": "a", "b.txt": "b"})

		a, err := NewPathArchive(root, WithPathEntries("a.txt"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt"}, a.Entries())
	})

	t.Run("without recursion skips subdirectories", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "m.v1")
		writeTree(t, root, map[string]string{"a.txt": "a", "sub/b.txt": "b"})

		a, err := NewPathArchive(root, WithoutRecursion())
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt"}, a.Entries())
	})

	t.Run("caller-supplied create time wins over mtime", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "m.v1")
		writeTree(t, root, map[string]string{"a.txt": "a"})

		supplied := time.Unix(42, 0)
		a, err := NewPathArchive(root, WithPathCreateTime(supplied))
		require.NoError(t, err)
		assert.Equal(t, supplied, a.CreateTime())

		b, err := NewPathArchive(root)
		require.NoError(t, err)
		assert.False(t, b.CreateTime().IsZero())
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := NewPathArchive(filepath.Join(t.TempDir(), "nope"))
		var bad *BadArchiveError
		assert.ErrorAs(t, err, &bad)
	})
}

func TestPathArchiveBytes(t *testing.T) {
	root := filepath.Join(t.TempDir(), "m.v1")
	writeTree(t, root, map[string]string{"sub/b.txt": "content"})

	a, err := NewPathArchive(root)
	require.NoError(t, err)

	data, err := a.Bytes("sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, err = a.Bytes("../escape")
	assert.Error(t, err)
}
