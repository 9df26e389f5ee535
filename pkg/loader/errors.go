package loader

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/hotload/pkg/module"
)

// UnresolvedDependencyError reports a declared dependency that is neither in
// the current batch nor loaded.
type UnresolvedDependencyError struct {
	Module  module.ID
	Missing module.ID
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("module %s depends on %s which is not loaded", e.Module, e.Missing)
}

// CycleError reports a dependency cycle inside an update batch. The whole
// batch is rejected; cycles spanning already-loaded modules cannot occur
// because committed revisions never gain new dependencies.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle in batch: %s", strings.Join(e.Path, " -> "))
}

// RelinkError reports a dependent that could not be rewired after one of its
// dependencies was upgraded. The dependent's previous revision
// (and its previous links) are preserved.
type RelinkError struct {
	Module module.ID
	Err    error
}

func (e *RelinkError) Error() string {
	return fmt.Sprintf("failed to relink module %s: %v", e.Module, e.Err)
}

func (e *RelinkError) Unwrap() error { return e.Err }
