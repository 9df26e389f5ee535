package loader

import (
	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
)

// sortByDependencies orders a batch so that an archive depending on another
// archive in the same batch compiles after it. Dependencies outside the
// batch do not constrain the order. A cycle inside the batch fails the
// whole batch.
func sortByDependencies(archives []archive.Archive) ([]archive.Archive, error) {
	byID := make(map[module.ID]archive.Archive, len(archives))
	for _, a := range archives {
		byID[a.Spec().ID] = a
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[module.ID]int, len(archives))
	order := make([]archive.Archive, 0, len(archives))
	var stack []string

	var visit func(a archive.Archive) error
	visit = func(a archive.Archive) error {
		id := a.Spec().ID
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &CycleError{Path: append(append([]string{}, stack...), id.String())}
		}
		state[id] = visiting
		stack = append(stack, id.String())
		for _, dep := range a.Spec().Dependencies {
			if depArchive, ok := byID[dep]; ok {
				if err := visit(depArchive); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		order = append(order, a)
		return nil
	}

	for _, a := range archives {
		if err := visit(a); err != nil {
			return nil, err
		}
	}
	return order, nil
}
