package module

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultSpecFileName is the conventional name of the spec entry inside an
// archive.
const DefaultSpecFileName = "moduleSpec.json"

// SpecParseError reports a spec payload that could not be decoded.
type SpecParseError struct {
	Err error
}

func (e *SpecParseError) Error() string {
	return fmt.Sprintf("failed to parse module spec: %v", e.Err)
}

func (e *SpecParseError) Unwrap() error { return e.Err }

// SpecCodec serializes module specs. The JSON codec is the wire format;
// the interface exists so repositories can be configured with alternate
// encodings without changing their storage layout.
type SpecCodec interface {
	Encode(spec *Spec) ([]byte, error)
	Decode(data []byte) (*Spec, error)
	// FileName is the entry name the codec expects inside archives.
	FileName() string
}

// JSONSpecCodec is the canonical spec serialization. Unknown fields are
// ignored on decode and absent fields default to empty collections, so
// specs written by newer producers remain readable.
type JSONSpecCodec struct {
	// SpecFileName overrides the archive entry name; empty means
	// DefaultSpecFileName.
	SpecFileName string
}

var _ SpecCodec = (*JSONSpecCodec)(nil)

// specJSON is the wire shape of a module spec.
type specJSON struct {
	ModuleID             string                     `json:"moduleId"`
	CompilerPluginIDs    []string                   `json:"compilerPluginIds,omitempty"`
	ModuleDependencies   []string                   `json:"moduleDependencies,omitempty"`
	ImportPackageFilters []string                   `json:"importPackageFilters,omitempty"`
	ExportPackageFilters []string                   `json:"exportPackageFilters,omitempty"`
	Metadata             map[string]string          `json:"metadata,omitempty"`
	AppData              map[string]json.RawMessage `json:"appData,omitempty"`
}

// FileName returns the archive entry name for the spec.
func (c *JSONSpecCodec) FileName() string {
	if c.SpecFileName != "" {
		return c.SpecFileName
	}
	return DefaultSpecFileName
}

// Encode serializes a spec to JSON.
func (c *JSONSpecCodec) Encode(spec *Spec) ([]byte, error) {
	if spec == nil {
		return nil, fmt.Errorf("cannot encode nil spec")
	}
	if spec.ID.IsZero() {
		return nil, fmt.Errorf("cannot encode spec without module id")
	}
	wire := specJSON{
		ModuleID:             spec.ID.String(),
		CompilerPluginIDs:    spec.CompilerPluginIDs,
		ImportPackageFilters: spec.ImportFilters,
		ExportPackageFilters: spec.ExportFilters,
		Metadata:             spec.Metadata,
		AppData:              spec.AppData,
	}
	if len(spec.Dependencies) > 0 {
		deps := make([]string, 0, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			deps = append(deps, dep.String())
		}
		sort.Strings(deps)
		wire.ModuleDependencies = deps
	}
	data, err := json.MarshalIndent(&wire, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal module spec: %w", err)
	}
	return data, nil
}

// Decode deserializes a spec from JSON. Missing optional fields default to
// empty collections; the moduleId field is required.
func (c *JSONSpecCodec) Decode(data []byte) (*Spec, error) {
	var wire specJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &SpecParseError{Err: err}
	}
	if wire.ModuleID == "" {
		return nil, &SpecParseError{Err: fmt.Errorf("missing moduleId")}
	}
	id, err := ParseID(wire.ModuleID)
	if err != nil {
		return nil, &SpecParseError{Err: err}
	}
	spec := &Spec{
		ID:                id,
		CompilerPluginIDs: wire.CompilerPluginIDs,
		ImportFilters:     wire.ImportPackageFilters,
		ExportFilters:     wire.ExportPackageFilters,
		Metadata:          wire.Metadata,
		AppData:           wire.AppData,
	}
	for _, dep := range wire.ModuleDependencies {
		depID, err := ParseID(dep)
		if err != nil {
			return nil, &SpecParseError{Err: fmt.Errorf("invalid dependency %q: %w", dep, err)}
		}
		spec.Dependencies = append(spec.Dependencies, depID)
	}
	spec.Normalize()
	return spec, nil
}
