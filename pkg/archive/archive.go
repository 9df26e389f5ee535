package archive

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/hotload/pkg/module"
)

// Archive is a bundle that can be compiled into a module: a spec, a root
// location, and a set of named entries addressed by forward-slash relative
// paths.
type Archive interface {
	// Spec returns the module spec attached to the archive. Never nil.
	Spec() *module.Spec
	// RootURI locates the archive contents (file path or object URL).
	RootURI() string
	// Entries lists entry names in sorted order. The spec file, when the
	// archive embeds one, is not an entry.
	Entries() []string
	// Bytes returns the contents of a single entry.
	Bytes(name string) ([]byte, error)
	// Open returns a reader over a single entry.
	Open(name string) (io.ReadCloser, error)
	// CreateTime is the archive creation timestamp used for freshness
	// comparisons.
	CreateTime() time.Time
}

// BadArchiveError reports a malformed archive, most commonly an entry whose
// path escapes the archive root.
type BadArchiveError struct {
	Path  string
	Entry string
	Err   error
}

func (e *BadArchiveError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("bad archive %s: entry %q: %v", e.Path, e.Entry, e.Err)
	}
	return fmt.Sprintf("bad archive %s: %v", e.Path, e.Err)
}

func (e *BadArchiveError) Unwrap() error { return e.Err }

// ContentHash computes the SHA-1 content hash of an archive: entry names and
// bytes hashed in sorted entry order. The algorithm is fixed for wire
// compatibility with stored archives.
func ContentHash(a Archive) ([]byte, error) {
	names := append([]string{}, a.Entries()...)
	sort.Strings(names)

	h := sha1.New()
	for _, name := range names {
		io.WriteString(h, name)
		data, err := a.Bytes(name)
		if err != nil {
			return nil, fmt.Errorf("failed to hash entry %q: %w", name, err)
		}
		h.Write(data)
	}
	return h.Sum(nil), nil
}

// HashesEqual compares two content hashes.
func HashesEqual(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}

// validEntryName rejects absolute paths and any path that escapes its root
// once cleaned (zip-slip).
func validEntryName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return true
}

// moduleIDFromStem derives a default module ID from a file name stem when an
// archive carries no embedded spec.
func moduleIDFromStem(stem string) module.ID {
	id, err := module.ParseID(stem)
	if err != nil {
		return module.NewID(stem, "")
	}
	return id
}

// readAll drains a reader into memory.
func readAll(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}
