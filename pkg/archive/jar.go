package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/hotload/pkg/module"
)

// JarArchive reads archive entries from a jar (zip) file. Entries are
// enumerated once at construction and held in memory; script archives are
// small by design.
type JarArchive struct {
	path       string
	spec       *module.Spec
	entries    map[string][]byte
	names      []string
	createTime time.Time
}

var _ Archive = (*JarArchive)(nil)

type jarOptions struct {
	spec       *module.Spec
	codec      module.SpecCodec
	createTime time.Time
}

// JarOption configures NewJarArchive.
type JarOption func(*jarOptions)

// WithJarSpec attaches an explicit spec, overriding any embedded spec entry.
func WithJarSpec(spec *module.Spec) JarOption {
	return func(o *jarOptions) { o.spec = spec }
}

// WithJarSpecCodec overrides the codec (and spec entry name) used to read an
// embedded spec.
func WithJarSpecCodec(codec module.SpecCodec) JarOption {
	return func(o *jarOptions) { o.codec = codec }
}

// WithJarCreateTime supplies the archive creation time. A zero value falls
// back to the jar file's mtime.
func WithJarCreateTime(t time.Time) JarOption {
	return func(o *jarOptions) { o.createTime = t }
}

// NewJarArchive opens a jar file as an archive. An embedded moduleSpec.json
// is parsed and excluded from the entry set; without one the module ID is
// derived from the file name stem. Entries whose normalized path escapes the
// jar root are rejected.
func NewJarArchive(path string, opts ...JarOption) (*JarArchive, error) {
	o := jarOptions{codec: &module.JSONSpecCodec{}}
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &BadArchiveError{Path: path, Err: err}
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, &BadArchiveError{Path: path, Err: err}
	}
	defer r.Close()

	a := &JarArchive{
		path:       path,
		entries:    make(map[string][]byte),
		createTime: o.createTime,
	}
	if a.createTime.IsZero() {
		a.createTime = info.ModTime()
	}

	var specData []byte
	specFile := o.codec.FileName()
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !validEntryName(f.Name) {
			return nil, &BadArchiveError{Path: path, Entry: f.Name, Err: fmt.Errorf("path escapes archive root")}
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &BadArchiveError{Path: path, Entry: f.Name, Err: err}
		}
		data, err := readAll(rc)
		if err != nil {
			return nil, &BadArchiveError{Path: path, Entry: f.Name, Err: err}
		}
		if f.Name == specFile {
			specData = data
			continue
		}
		a.entries[f.Name] = data
		a.names = append(a.names, f.Name)
	}
	sort.Strings(a.names)

	switch {
	case o.spec != nil:
		// explicit spec wins
	case specData != nil:
		spec, err := o.codec.Decode(specData)
		if err != nil {
			return nil, err
		}
		o.spec = spec
	default:
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		o.spec = module.NewSpec(moduleIDFromStem(stem))
	}
	o.spec.Normalize()
	a.spec = o.spec
	return a, nil
}

func (a *JarArchive) Spec() *module.Spec    { return a.spec }
func (a *JarArchive) RootURI() string       { return "jar:file://" + filepath.ToSlash(a.path) }
func (a *JarArchive) Path() string          { return a.path }
func (a *JarArchive) Entries() []string     { return append([]string{}, a.names...) }
func (a *JarArchive) CreateTime() time.Time { return a.createTime }

func (a *JarArchive) Bytes(name string) ([]byte, error) {
	data, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("no such entry %q in %s", name, a.spec.ID)
	}
	return append([]byte{}, data...), nil
}

func (a *JarArchive) Open(name string) (io.ReadCloser, error) {
	data, err := a.Bytes(name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// WriteJar serializes an archive as a jar: all entries plus, when a codec is
// given, the spec entry under the codec's file name. Used by jar-backed
// repositories and the remote repository's content packing.
func WriteJar(w io.Writer, a Archive, codec module.SpecCodec) error {
	zw := zip.NewWriter(w)
	if codec != nil {
		data, err := codec.Encode(a.Spec())
		if err != nil {
			return fmt.Errorf("failed to encode spec for %s: %w", a.Spec().ID, err)
		}
		fw, err := zw.Create(codec.FileName())
		if err != nil {
			return fmt.Errorf("failed to add spec entry: %w", err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("failed to write spec entry: %w", err)
		}
	}
	for _, name := range a.Entries() {
		data, err := a.Bytes(name)
		if err != nil {
			return err
		}
		fw, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("failed to add entry %q: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("failed to write entry %q: %w", name, err)
		}
	}
	return zw.Close()
}

// EntriesFromZip reads zip-packed archive content into an entry map,
// rejecting entries that would escape their root. This is the inverse of
// WriteJar for repositories that store archive content as a blob.
func EntriesFromZip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &BadArchiveError{Path: "zip", Err: err}
	}
	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !validEntryName(f.Name) {
			return nil, &BadArchiveError{Path: "zip", Entry: f.Name, Err: fmt.Errorf("path escapes archive root")}
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &BadArchiveError{Path: "zip", Entry: f.Name, Err: err}
		}
		data, err := readAll(rc)
		if err != nil {
			return nil, &BadArchiveError{Path: "zip", Entry: f.Name, Err: err}
		}
		entries[f.Name] = data
	}
	return entries, nil
}

// Extract materializes an archive's entries under dir, guarding against
// entries that would escape it. The spec file is not written; repositories
// that persist specs do so explicitly at commit.
func Extract(a Archive, dir string) error {
	for _, name := range a.Entries() {
		dest := filepath.Join(dir, filepath.FromSlash(name))
		rel, err := filepath.Rel(dir, dest)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return &BadArchiveError{Path: a.RootURI(), Entry: name, Err: fmt.Errorf("path escapes destination")}
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create entry directory: %w", err)
		}
		data, err := a.Bytes(name)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("failed to write entry %q: %w", name, err)
		}
	}
	return nil
}
