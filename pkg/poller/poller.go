package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/observability"
	"github.com/platinummonkey/hotload/pkg/repository"
)

// Delta is one repository change set: additions and modifications carry the
// fetched archives, removals only the IDs.
type Delta struct {
	Added    map[module.ID]int64
	Modified map[module.ID]int64
	Removed  map[module.ID]struct{}
	// Archives holds the fetched contents of Added and Modified modules.
	Archives []archive.Archive
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Consumer receives deltas for one repository. Deltas for the same
// repository are delivered in order; no ordering holds across repositories.
type Consumer interface {
	HandleDelta(ctx context.Context, repo repository.ArchiveRepository, delta Delta) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, repo repository.ArchiveRepository, delta Delta) error

func (f ConsumerFunc) HandleDelta(ctx context.Context, repo repository.ArchiveRepository, delta Delta) error {
	return f(ctx, repo, delta)
}

// Registration schedules one repository for polling.
type Registration struct {
	Repository repository.ArchiveRepository
	Interval   time.Duration
	// WaitForInitialPoll runs the first poll synchronously during Add so
	// callers observe a populated loader once Add returns.
	WaitForInitialPoll bool
}

// Config configures a poller.
type Config struct {
	Consumer Consumer
	Logger   *logrus.Logger
	Metrics  *observability.Metrics
}

// pollState is the per-repository state: the last snapshot and a mutex that
// serializes polls of the same repository against each other.
type pollState struct {
	repo repository.ArchiveRepository

	mu   sync.Mutex
	last map[module.ID]int64
}

// Poller drives repository polls on a cron scheduler. Polls of different
// repositories may overlap; a poll that is still running when its next tick
// fires causes that tick to be skipped, not queued.
type Poller struct {
	consumer Consumer
	log      *logrus.Logger
	metrics  *observability.Metrics

	cron *cron.Cron

	mu     sync.Mutex
	states map[string]*pollState
}

// New creates a poller. Call AddRepository for each repository, then Start.
func New(cfg Config) (*Poller, error) {
	if cfg.Consumer == nil {
		return nil, fmt.Errorf("poller requires a consumer")
	}
	log := cfg.Logger
	if log == nil {
		log = observability.NopLogger()
	}
	return &Poller{
		consumer: cfg.Consumer,
		log:      log,
		metrics:  cfg.Metrics,
		cron:     cron.New(),
		states:   make(map[string]*pollState),
	}, nil
}

// AddRepository registers a repository for periodic polling.
func (p *Poller) AddRepository(ctx context.Context, reg Registration) error {
	if reg.Repository == nil {
		return fmt.Errorf("registration requires a repository")
	}
	if reg.Interval <= 0 {
		return fmt.Errorf("registration requires a positive interval")
	}

	id := reg.Repository.ID()
	p.mu.Lock()
	if _, exists := p.states[id]; exists {
		p.mu.Unlock()
		return fmt.Errorf("repository %q already registered", id)
	}
	state := &pollState{repo: reg.Repository}
	p.states[id] = state
	p.mu.Unlock()

	if reg.WaitForInitialPoll {
		if err := p.poll(ctx, state); err != nil {
			return fmt.Errorf("initial poll of %q failed: %w", id, err)
		}
	}

	schedule := fmt.Sprintf("@every %s", reg.Interval)
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		if err := p.poll(context.Background(), state); err != nil {
			p.log.WithError(err).WithField("repository", id).Warn("poll failed")
		}
	}))
	if _, err := p.cron.AddJob(schedule, job); err != nil {
		return fmt.Errorf("failed to schedule poll for %q: %w", id, err)
	}
	return nil
}

// Start begins scheduled polling.
func (p *Poller) Start() {
	p.cron.Start()
}

// Shutdown stops the scheduler and waits for in-flight polls to finish.
func (p *Poller) Shutdown(ctx context.Context) error {
	stopped := p.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll forces an immediate poll of one repository, serialized against its
// scheduled polls. Useful for change hints and tests.
func (p *Poller) Poll(ctx context.Context, repositoryID string) error {
	p.mu.Lock()
	state, ok := p.states[repositoryID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("repository %q not registered", repositoryID)
	}
	return p.poll(ctx, state)
}

// poll runs one tick: snapshot, delta, fetch, hand off, commit snapshot.
func (p *Poller) poll(ctx context.Context, state *pollState) error {
	state.mu.Lock()
	defer state.mu.Unlock()

	id := state.repo.ID()
	start := time.Now()

	current, err := state.repo.DefaultView().UpdateTimes(ctx)
	if err != nil {
		p.metrics.ObservePoll(id, "error", time.Since(start), 0, 0, 0)
		return err
	}

	delta := computeDelta(state.last, current)
	if delta.Empty() {
		// same-timestamp re-poll is a no-op
		state.last = current
		p.metrics.ObservePoll(id, "ok", time.Since(start), 0, 0, 0)
		return nil
	}

	fetchIDs := make([]module.ID, 0, len(delta.Added)+len(delta.Modified))
	for mid := range delta.Added {
		fetchIDs = append(fetchIDs, mid)
	}
	for mid := range delta.Modified {
		fetchIDs = append(fetchIDs, mid)
	}
	sort.Slice(fetchIDs, func(i, j int) bool { return fetchIDs[i].String() < fetchIDs[j].String() })

	if len(fetchIDs) > 0 {
		archives, err := state.repo.Fetch(ctx, fetchIDs)
		if err != nil {
			p.metrics.ObservePoll(id, "error", time.Since(start), 0, 0, 0)
			return err
		}
		delta.Archives = archives
	}

	p.log.WithFields(logrus.Fields{
		"repository": id,
		"added":      len(delta.Added),
		"modified":   len(delta.Modified),
		"removed":    len(delta.Removed),
	}).Info("repository delta detected")

	if err := p.consumer.HandleDelta(ctx, state.repo, delta); err != nil {
		p.metrics.ObservePoll(id, "consumer_error", time.Since(start), len(delta.Added), len(delta.Modified), len(delta.Removed))
		return err
	}

	state.last = current
	p.metrics.ObservePoll(id, "ok", time.Since(start), len(delta.Added), len(delta.Modified), len(delta.Removed))
	return nil
}

// computeDelta is the set-theoretic difference between successive
// snapshots: added = current minus last, modified = strictly newer
// timestamps, removed = last minus current.
func computeDelta(last, current map[module.ID]int64) Delta {
	delta := Delta{
		Added:    make(map[module.ID]int64),
		Modified: make(map[module.ID]int64),
		Removed:  make(map[module.ID]struct{}),
	}
	for id, t := range current {
		prev, ok := last[id]
		switch {
		case !ok:
			delta.Added[id] = t
		case t > prev:
			delta.Modified[id] = t
		}
	}
	for id := range last {
		if _, ok := current[id]; !ok {
			delta.Removed[id] = struct{}{}
		}
	}
	return delta
}
