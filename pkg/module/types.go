package module

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ID identifies a module as a (name, version) pair. The version is an opaque
// tag; two IDs are equal only when both fields are equal. The canonical
// string form "name.version" is used as a stable key in repositories and
// revision tables.
type ID struct {
	Name    string
	Version string
}

// NewID creates a module ID from a name and an opaque version tag.
func NewID(name, version string) ID {
	return ID{Name: name, Version: version}
}

// ParseID parses the canonical "name.version" form. The split happens at the
// last dot so module names may themselves contain dots; a string with no dot
// is treated as a name with an empty version.
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("empty module id")
	}
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return ID{Name: s}, nil
	}
	return ID{Name: s[:idx], Version: s[idx+1:]}, nil
}

// String returns the canonical "name.version" form. An ID without a version
// renders as the bare name.
func (id ID) String() string {
	if id.Version == "" {
		return id.Name
	}
	return id.Name + "." + id.Version
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id.Name == "" && id.Version == ""
}

// RevisionID identifies a specific generation of a loaded module. Revision
// numbers increase monotonically per module ID; only the latest revision is
// ever reachable through the loader.
type RevisionID struct {
	Module ID
	Num    int64
}

func (r RevisionID) String() string {
	return fmt.Sprintf("%s#%d", r.Module, r.Num)
}

// Spec is the declarative manifest attached to an archive: identity,
// required compiler plugins, dependencies, package visibility filters, and
// opaque metadata. The ID is immutable once the spec is built; all other
// collections default to empty but are never nil after Normalize.
type Spec struct {
	ID                ID
	CompilerPluginIDs []string
	Dependencies      []ID
	ImportFilters     []string
	ExportFilters     []string
	Metadata          map[string]string
	AppData           map[string]json.RawMessage
}

// NewSpec builds a normalized spec for the given module ID.
func NewSpec(id ID) *Spec {
	s := &Spec{ID: id}
	s.Normalize()
	return s
}

// Normalize replaces nil collections with empty ones so callers never have
// to nil-check spec fields.
func (s *Spec) Normalize() {
	if s.CompilerPluginIDs == nil {
		s.CompilerPluginIDs = []string{}
	}
	if s.Dependencies == nil {
		s.Dependencies = []ID{}
	}
	if s.ImportFilters == nil {
		s.ImportFilters = []string{}
	}
	if s.ExportFilters == nil {
		s.ExportFilters = []string{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	if s.AppData == nil {
		s.AppData = map[string]json.RawMessage{}
	}
}

// RequiresPlugin reports whether the spec names the given compiler plugin.
func (s *Spec) RequiresPlugin(pluginID string) bool {
	for _, id := range s.CompilerPluginIDs {
		if id == pluginID {
			return true
		}
	}
	return false
}

// DependsOn reports whether the spec declares a dependency on the given
// module.
func (s *Spec) DependsOn(id ID) bool {
	for _, dep := range s.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the spec.
func (s *Spec) Clone() *Spec {
	out := &Spec{
		ID:                s.ID,
		CompilerPluginIDs: append([]string{}, s.CompilerPluginIDs...),
		Dependencies:      append([]ID{}, s.Dependencies...),
		ImportFilters:     append([]string{}, s.ImportFilters...),
		ExportFilters:     append([]string{}, s.ExportFilters...),
		Metadata:          make(map[string]string, len(s.Metadata)),
		AppData:           make(map[string]json.RawMessage, len(s.AppData)),
	}
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range s.AppData {
		out.AppData[k] = append(json.RawMessage{}, v...)
	}
	return out
}
