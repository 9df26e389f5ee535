package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/platinummonkey/hotload/pkg/module"
)

// PathArchive reads archive entries from a directory tree. Entry names are
// paths relative to the root using forward-slash separators.
type PathArchive struct {
	root       string
	spec       *module.Spec
	entries    map[string]struct{}
	names      []string
	createTime time.Time
}

var _ Archive = (*PathArchive)(nil)

type pathOptions struct {
	spec       *module.Spec
	codec      module.SpecCodec
	createTime time.Time
	whitelist  []string
	recurse    bool
}

// PathOption configures NewPathArchive.
type PathOption func(*pathOptions)

// WithPathSpec attaches an explicit spec, overriding any spec file found in
// the directory.
func WithPathSpec(spec *module.Spec) PathOption {
	return func(o *pathOptions) { o.spec = spec }
}

// WithPathSpecCodec overrides the codec (and spec file name) used to read an
// embedded spec.
func WithPathSpecCodec(codec module.SpecCodec) PathOption {
	return func(o *pathOptions) { o.codec = codec }
}

// WithPathCreateTime supplies the archive creation time. A zero value falls
// back to the root directory's mtime.
func WithPathCreateTime(t time.Time) PathOption {
	return func(o *pathOptions) { o.createTime = t }
}

// WithPathEntries restricts the archive to a whitelist of relative entry
// names instead of walking the directory.
func WithPathEntries(names ...string) PathOption {
	return func(o *pathOptions) { o.whitelist = names }
}

// WithoutRecursion limits the walk to the root directory itself.
func WithoutRecursion() PathOption {
	return func(o *pathOptions) { o.recurse = false }
}

// NewPathArchive builds an archive over a directory. If the directory holds
// a spec file (moduleSpec.json by convention) it is parsed and excluded from
// the entry set; otherwise the module ID defaults to the directory name.
func NewPathArchive(root string, opts ...PathOption) (*PathArchive, error) {
	o := pathOptions{recurse: true, codec: &module.JSONSpecCodec{}}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &BadArchiveError{Path: root, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &BadArchiveError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &BadArchiveError{Path: root, Err: fmt.Errorf("not a directory")}
	}

	a := &PathArchive{
		root:       abs,
		entries:    make(map[string]struct{}),
		createTime: o.createTime,
	}
	if a.createTime.IsZero() {
		a.createTime = info.ModTime()
	}

	if len(o.whitelist) > 0 {
		for _, name := range o.whitelist {
			if !validEntryName(name) {
				return nil, &BadArchiveError{Path: root, Entry: name, Err: fmt.Errorf("path escapes archive root")}
			}
			a.entries[filepath.ToSlash(name)] = struct{}{}
		}
	} else {
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != abs && !o.recurse {
					return fs.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(abs, p)
			if err != nil {
				return err
			}
			a.entries[filepath.ToSlash(rel)] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, &BadArchiveError{Path: root, Err: err}
		}
	}

	specFile := o.codec.FileName()
	if _, ok := a.entries[specFile]; ok {
		delete(a.entries, specFile)
		if o.spec == nil {
			data, err := os.ReadFile(filepath.Join(abs, filepath.FromSlash(specFile)))
			if err != nil {
				return nil, &BadArchiveError{Path: root, Entry: specFile, Err: err}
			}
			spec, err := o.codec.Decode(data)
			if err != nil {
				return nil, err
			}
			o.spec = spec
		}
	}
	if o.spec == nil {
		o.spec = module.NewSpec(moduleIDFromStem(filepath.Base(abs)))
	}
	o.spec.Normalize()
	a.spec = o.spec

	for name := range a.entries {
		a.names = append(a.names, name)
	}
	sort.Strings(a.names)
	return a, nil
}

func (a *PathArchive) Spec() *module.Spec    { return a.spec }
func (a *PathArchive) RootURI() string       { return "file://" + filepath.ToSlash(a.root) }
func (a *PathArchive) Root() string          { return a.root }
func (a *PathArchive) Entries() []string     { return append([]string{}, a.names...) }
func (a *PathArchive) CreateTime() time.Time { return a.createTime }

func (a *PathArchive) Bytes(name string) ([]byte, error) {
	rc, err := a.Open(name)
	if err != nil {
		return nil, err
	}
	return readAll(rc)
}

func (a *PathArchive) Open(name string) (io.ReadCloser, error) {
	if _, ok := a.entries[name]; !ok {
		return nil, fmt.Errorf("no such entry %q in %s", name, a.spec.ID)
	}
	f, err := os.Open(filepath.Join(a.root, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %q: %w", name, err)
	}
	return f, nil
}
