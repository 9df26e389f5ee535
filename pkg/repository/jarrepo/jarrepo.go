// Package jarrepo is the jar-filesystem archive repository: one jar per
// module ID in a directory, with the spec embedded in each jar and the file
// mtime recording last-update.
package jarrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/observability"
	"github.com/platinummonkey/hotload/pkg/repository"
)

// Config configures a jar repository.
type Config struct {
	RepositoryID string
	// Root is the directory holding one <moduleId>.jar per module.
	Root      string
	SpecCodec module.SpecCodec

	Logger *logrus.Logger
}

// Repository stores one jar per module in a directory.
type Repository struct {
	id    string
	root  string
	codec module.SpecCodec
	log   *logrus.Logger
}

var _ repository.ArchiveRepository = (*Repository)(nil)

// New creates a jar repository, creating the root directory if needed.
func New(cfg Config) (*Repository, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("jar repository requires a root directory")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository root: %w", err)
	}
	r := &Repository{
		id:    cfg.RepositoryID,
		root:  cfg.Root,
		codec: cfg.SpecCodec,
		log:   cfg.Logger,
	}
	if r.id == "" {
		r.id = cfg.Root
	}
	if r.codec == nil {
		r.codec = &module.JSONSpecCodec{}
	}
	if r.log == nil {
		r.log = observability.NopLogger()
	}
	return r, nil
}

func (r *Repository) ID() string { return r.id }

func (r *Repository) jarPath(id module.ID) string {
	return filepath.Join(r.root, id.String()+".jar")
}

// Insert writes the archive as a jar. Identical content with an equal or
// older create time is a no-op; a newer create time replaces the jar.
func (r *Repository) Insert(ctx context.Context, a archive.Archive) error {
	id := a.Spec().ID
	path := r.jarPath(id)

	hash, err := archive.ContentHash(a)
	if err != nil {
		return err
	}

	if info, err := os.Stat(path); err == nil {
		existing, err := archive.NewJarArchive(path, archive.WithJarSpecCodec(r.codec))
		if err == nil {
			existingHash, hashErr := archive.ContentHash(existing)
			if hashErr == nil && archive.HashesEqual(existingHash, hash) && !info.ModTime().Before(a.CreateTime()) {
				r.log.WithField("module", id.String()).Debug("insert is a no-op, stored jar is identical and fresh")
				return nil
			}
		}
	}

	tmp, err := os.CreateTemp(r.root, "."+id.String()+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp jar: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := archive.WriteJar(tmp, a, r.codec); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp jar: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit jar: %w", err)
	}
	if err := os.Chtimes(path, a.CreateTime(), a.CreateTime()); err != nil {
		return fmt.Errorf("failed to stamp last-update: %w", err)
	}
	return nil
}

func (r *Repository) InsertWithDeploySpecs(ctx context.Context, a archive.Archive, specs repository.DeploySpecs) error {
	return repository.ErrUnsupportedOperation
}

func (r *Repository) PutDeploySpecs(ctx context.Context, id module.ID, specs repository.DeploySpecs) error {
	return repository.ErrUnsupportedOperation
}

// Delete removes the module's jar.
func (r *Repository) Delete(ctx context.Context, id module.ID) error {
	path := r.jarPath(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return repository.ErrNotFound
		}
		return err
	}
	return os.Remove(path)
}

// Fetch opens the stored jars as archives. Unknown IDs are skipped.
func (r *Repository) Fetch(ctx context.Context, ids []module.ID) ([]archive.Archive, error) {
	out := make([]archive.Archive, 0, len(ids))
	for _, id := range ids {
		path := r.jarPath(id)
		info, err := os.Stat(path)
		if err != nil {
			r.log.WithField("module", id.String()).Warn("fetch skipped unknown module")
			continue
		}
		a, err := archive.NewJarArchive(path,
			archive.WithJarSpecCodec(r.codec),
			archive.WithJarCreateTime(info.ModTime()),
		)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *Repository) DefaultView() repository.View {
	return &view{repo: r}
}

func (r *Repository) View(name string) (repository.View, error) {
	if name == repository.DefaultViewName {
		return r.DefaultView(), nil
	}
	return nil, repository.ErrUnsupportedView
}

type view struct {
	repo *Repository
}

func (v *view) Name() string { return repository.DefaultViewName }

func (v *view) UpdateTimes(ctx context.Context) (map[module.ID]int64, error) {
	entries, err := os.ReadDir(v.repo.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository root: %w", err)
	}
	times := make(map[module.ID]int64, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jar" {
			continue
		}
		stem := entry.Name()[:len(entry.Name())-len(".jar")]
		id, err := module.ParseID(stem)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		times[id] = info.ModTime().UnixMilli()
	}
	return times, nil
}

func (v *view) Summary(ctx context.Context) (repository.RepositorySummary, error) {
	times, err := v.UpdateTimes(ctx)
	if err != nil {
		return repository.RepositorySummary{}, err
	}
	return repository.SummarizeUpdateTimes(v.repo.id, v.Name(), times), nil
}

func (v *view) ArchiveSummaries(ctx context.Context) ([]repository.ArchiveSummary, error) {
	times, err := v.UpdateTimes(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]repository.ArchiveSummary, 0, len(times))
	for id, t := range times {
		summary := repository.ArchiveSummary{Module: id, LastUpdate: t}
		if a, err := archive.NewJarArchive(v.repo.jarPath(id), archive.WithJarSpecCodec(v.repo.codec)); err == nil {
			summary.Spec = a.Spec()
		}
		summaries = append(summaries, summary)
	}
	repository.SortSummaries(summaries)
	return summaries, nil
}
