package archive

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/hotload/pkg/module"
)

// MemArchive is an in-memory archive, the natural form for producers that
// assemble archives programmatically before publishing them to a repository.
type MemArchive struct {
	spec       *module.Spec
	entries    map[string][]byte
	names      []string
	createTime time.Time
}

var _ Archive = (*MemArchive)(nil)

// NewMemArchive builds an in-memory archive from a spec and entry map. Entry
// names must be relative forward-slash paths.
func NewMemArchive(spec *module.Spec, entries map[string][]byte, createTime time.Time) (*MemArchive, error) {
	if spec == nil || spec.ID.IsZero() {
		return nil, &BadArchiveError{Path: "mem", Err: fmt.Errorf("missing module spec")}
	}
	spec.Normalize()
	a := &MemArchive{
		spec:       spec,
		entries:    make(map[string][]byte, len(entries)),
		createTime: createTime,
	}
	if a.createTime.IsZero() {
		a.createTime = time.Now()
	}
	for name, data := range entries {
		if !validEntryName(name) {
			return nil, &BadArchiveError{Path: "mem", Entry: name, Err: fmt.Errorf("path escapes archive root")}
		}
		a.entries[name] = append([]byte{}, data...)
		a.names = append(a.names, name)
	}
	sort.Strings(a.names)
	return a, nil
}

func (a *MemArchive) Spec() *module.Spec    { return a.spec }
func (a *MemArchive) RootURI() string       { return "mem://" + a.spec.ID.String() }
func (a *MemArchive) Entries() []string     { return append([]string{}, a.names...) }
func (a *MemArchive) CreateTime() time.Time { return a.createTime }

func (a *MemArchive) Bytes(name string) ([]byte, error) {
	data, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("no such entry %q in %s", name, a.spec.ID)
	}
	return append([]byte{}, data...), nil
}

func (a *MemArchive) Open(name string) (io.ReadCloser, error) {
	data, err := a.Bytes(name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}
