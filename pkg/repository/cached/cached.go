// Package cached decorates a repository with a two-tier view cache: poll
// snapshots in Redis (shared across processes, TTL-bounded) and archive
// summaries in an in-process expirable LRU. Writes pass through and
// invalidate both tiers.
package cached

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/observability"
	"github.com/platinummonkey/hotload/pkg/repository"
)

// Config configures the cache decorator.
type Config struct {
	// TTL bounds the staleness of cached view snapshots. Defaults to 30s.
	TTL time.Duration
	// KeyPrefix namespaces Redis keys. Defaults to "hotload".
	KeyPrefix string
	// SummaryCacheSize bounds the in-process summary cache. Defaults to 16
	// views.
	SummaryCacheSize int

	Logger *logrus.Logger
}

// Repository wraps another repository with cached views.
type Repository struct {
	inner  repository.ArchiveRepository
	client *redis.Client
	cfg    Config
	log    *logrus.Logger

	summaries *expirable.LRU[string, []repository.ArchiveSummary]
}

var _ repository.ArchiveRepository = (*Repository)(nil)

// New wraps inner with a Redis-backed view cache.
func New(inner repository.ArchiveRepository, client *redis.Client, cfg Config) *Repository {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "hotload"
	}
	if cfg.SummaryCacheSize <= 0 {
		cfg.SummaryCacheSize = 16
	}
	log := cfg.Logger
	if log == nil {
		log = observability.NopLogger()
	}
	return &Repository{
		inner:     inner,
		client:    client,
		cfg:       cfg,
		log:       log,
		summaries: expirable.NewLRU[string, []repository.ArchiveSummary](cfg.SummaryCacheSize, nil, cfg.TTL),
	}
}

func (r *Repository) ID() string { return r.inner.ID() }

func (r *Repository) updateTimesKey() string {
	return fmt.Sprintf("%s:%s:update-times", r.cfg.KeyPrefix, r.inner.ID())
}

// Insert passes through and invalidates cached views.
func (r *Repository) Insert(ctx context.Context, a archive.Archive) error {
	if err := r.inner.Insert(ctx, a); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *Repository) InsertWithDeploySpecs(ctx context.Context, a archive.Archive, specs repository.DeploySpecs) error {
	if err := r.inner.InsertWithDeploySpecs(ctx, a, specs); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *Repository) PutDeploySpecs(ctx context.Context, id module.ID, specs repository.DeploySpecs) error {
	return r.inner.PutDeploySpecs(ctx, id, specs)
}

// Delete passes through and invalidates cached views.
func (r *Repository) Delete(ctx context.Context, id module.ID) error {
	if err := r.inner.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

// Fetch always hits the backing repository; archive content is not cached.
func (r *Repository) Fetch(ctx context.Context, ids []module.ID) ([]archive.Archive, error) {
	return r.inner.Fetch(ctx, ids)
}

func (r *Repository) DefaultView() repository.View {
	return &view{repo: r, inner: r.inner.DefaultView()}
}

func (r *Repository) View(name string) (repository.View, error) {
	inner, err := r.inner.View(name)
	if err != nil {
		return nil, err
	}
	return &view{repo: r, inner: inner}, nil
}

func (r *Repository) invalidate(ctx context.Context) {
	r.summaries.Purge()
	if err := r.client.Del(ctx, r.updateTimesKey()).Err(); err != nil {
		r.log.WithError(err).Warn("failed to invalidate cached view snapshot")
	}
}

type view struct {
	repo  *Repository
	inner repository.View
}

func (v *view) Name() string { return v.inner.Name() }

// UpdateTimes serves the poll path from Redis when a fresh snapshot exists,
// shielding the backing store from many polling clients.
func (v *view) UpdateTimes(ctx context.Context) (map[module.ID]int64, error) {
	key := v.repo.updateTimesKey()

	data, err := v.repo.client.Get(ctx, key).Result()
	if err == nil {
		var wire map[string]int64
		if err := json.Unmarshal([]byte(data), &wire); err == nil {
			times := make(map[module.ID]int64, len(wire))
			for raw, t := range wire {
				id, err := module.ParseID(raw)
				if err != nil {
					continue
				}
				times[id] = t
			}
			return times, nil
		}
		// corrupt entry, drop it and fall through
		v.repo.client.Del(ctx, key)
	} else if err != redis.Nil {
		v.repo.log.WithError(err).Warn("view cache read failed, falling back to repository")
	}

	times, err := v.inner.UpdateTimes(ctx)
	if err != nil {
		return nil, err
	}

	wire := make(map[string]int64, len(times))
	for id, t := range times {
		wire[id.String()] = t
	}
	if encoded, err := json.Marshal(wire); err == nil {
		if err := v.repo.client.Set(ctx, key, encoded, v.repo.cfg.TTL).Err(); err != nil {
			v.repo.log.WithError(err).Warn("failed to cache view snapshot")
		}
	}
	return times, nil
}

func (v *view) Summary(ctx context.Context) (repository.RepositorySummary, error) {
	times, err := v.UpdateTimes(ctx)
	if err != nil {
		return repository.RepositorySummary{}, err
	}
	return repository.SummarizeUpdateTimes(v.repo.inner.ID(), v.Name(), times), nil
}

func (v *view) ArchiveSummaries(ctx context.Context) ([]repository.ArchiveSummary, error) {
	if cached, ok := v.repo.summaries.Get(v.Name()); ok {
		return cached, nil
	}
	summaries, err := v.inner.ArchiveSummaries(ctx)
	if err != nil {
		return nil, err
	}
	v.repo.summaries.Add(v.Name(), summaries)
	return summaries, nil
}
