package poller

import (
	"context"

	"github.com/platinummonkey/hotload/pkg/loader"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/repository"
)

// LoaderConsumer feeds repository deltas into a module loader: added and
// modified archives through UpdateArchives, removals through RemoveModule.
type LoaderConsumer struct {
	Loader *loader.Loader
	// OnReport, when set, receives each update report (for logging or
	// alerting on per-archive failures).
	OnReport func(repositoryID string, report *loader.UpdateReport)
}

var _ Consumer = (*LoaderConsumer)(nil)

// HandleDelta applies one delta to the loader.
func (c *LoaderConsumer) HandleDelta(ctx context.Context, repo repository.ArchiveRepository, delta Delta) error {
	if len(delta.Archives) > 0 {
		report, err := c.Loader.UpdateArchives(ctx, delta.Archives)
		if err != nil {
			return err
		}
		if c.OnReport != nil {
			c.OnReport(repo.ID(), report)
		}
	}

	removed := make([]module.ID, 0, len(delta.Removed))
	for id := range delta.Removed {
		removed = append(removed, id)
	}
	for _, id := range removed {
		c.Loader.RemoveModule(id)
	}
	return nil
}
