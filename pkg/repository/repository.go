package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
)

// Sentinel errors shared by all repository implementations.
var (
	// ErrNotFound reports a module absent from the repository.
	ErrNotFound = errors.New("module not found in repository")
	// ErrUnsupportedView reports a named view the repository does not offer.
	ErrUnsupportedView = errors.New("view not supported by repository")
	// ErrUnsupportedOperation reports an optional operation the repository
	// does not implement. Implementations raise it rather than silently
	// doing nothing.
	ErrUnsupportedOperation = errors.New("operation not supported by repository")
	// ErrTimeout reports a remote deadline exceeded.
	ErrTimeout = errors.New("repository operation timed out")
)

// DefaultViewName names the view over all archives.
const DefaultViewName = "default"

// DeploySpecs carries opaque per-module deployment hints stored alongside an
// archive.
type DeploySpecs map[string]json.RawMessage

// ArchiveRepository is the persistence gateway: producers publish archives,
// pollers read views, and the loader fetches archive contents by ID.
type ArchiveRepository interface {
	// ID identifies the repository for logging and poller registration.
	ID() string

	// Insert publishes an archive. Inserts are idempotent: identical
	// content with an equal or older create time is a no-op, while a newer
	// create time replaces the stored archive.
	Insert(ctx context.Context, a archive.Archive) error

	// InsertWithDeploySpecs publishes an archive along with deployment
	// hints. Repositories without deploy-spec storage return
	// ErrUnsupportedOperation.
	InsertWithDeploySpecs(ctx context.Context, a archive.Archive, specs DeploySpecs) error

	// PutDeploySpecs replaces the deployment hints of a stored archive.
	// Repositories without deploy-spec storage return
	// ErrUnsupportedOperation.
	PutDeploySpecs(ctx context.Context, id module.ID, specs DeploySpecs) error

	// Delete removes an archive.
	Delete(ctx context.Context, id module.ID) error

	// Fetch materializes the named archives, to the output directory
	// supplied at construction for remote repositories. Unknown IDs are
	// skipped.
	Fetch(ctx context.Context, ids []module.ID) ([]archive.Archive, error)

	// DefaultView returns the view over all archives.
	DefaultView() View

	// View returns a named view, or ErrUnsupportedView.
	View(name string) (View, error)
}

// View is a queryable projection of a repository.
type View interface {
	Name() string

	// UpdateTimes returns last-update timestamps (epoch milliseconds) per
	// module; the poller diffs successive snapshots of this map.
	UpdateTimes(ctx context.Context) (map[module.ID]int64, error)

	// Summary describes the view as a whole.
	Summary(ctx context.Context) (RepositorySummary, error)

	// ArchiveSummaries describes each archive in the view.
	ArchiveSummaries(ctx context.Context) ([]ArchiveSummary, error)
}

// RepositorySummary is a point-in-time description of a view.
type RepositorySummary struct {
	Repository   string `json:"repository"`
	View         string `json:"view"`
	ArchiveCount int    `json:"archive_count"`
	LastUpdated  int64  `json:"last_updated"`
}

// ArchiveSummary describes one stored archive.
type ArchiveSummary struct {
	Module     module.ID    `json:"module_id"`
	LastUpdate int64        `json:"last_update"`
	Spec       *module.Spec `json:"-"`
}

// SummarizeUpdateTimes builds a RepositorySummary from an update-times
// snapshot.
func SummarizeUpdateTimes(repository, view string, times map[module.ID]int64) RepositorySummary {
	summary := RepositorySummary{Repository: repository, View: view, ArchiveCount: len(times)}
	for _, t := range times {
		if t > summary.LastUpdated {
			summary.LastUpdated = t
		}
	}
	return summary
}

// SortSummaries orders archive summaries by module ID for stable output.
func SortSummaries(summaries []ArchiveSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Module.String() < summaries[j].Module.String()
	})
}
