// Package pathrepo is the filesystem-path archive repository: one
// subdirectory per module, contents extracted in place, the spec file
// written at commit, and the directory mtime recording last-update.
package pathrepo

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

// Config configures a path repository.
type Config struct {
	// RepositoryID identifies the repository; defaults to the root path.
	RepositoryID string
	// Root is the directory holding one subdirectory per module ID.
	Root string
	// SpecCodec serializes specs; defaults to the JSON codec.
	SpecCodec module.SpecCodec

	Logger *logrus.Logger
}

// Repository is the filesystem-path implementation of the persistence
// gateway.
type Repository struct {
	id    string
	root  string
	codec module.SpecCodec
	log   *logrus.Logger
}

var _ repository.ArchiveRepository = (*Repository)(nil)

// New creates a path repository, creating the root directory if needed.
func New(cfg Config) (*Repository, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("path repository requires a root directory")
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

func (r *Repository) moduleDir(id module.ID) string {
	return filepath.Join(r.root, id.String())
}

// Insert extracts the archive under root/<moduleId> and writes the spec file
// at commit. Identical content with an equal or older create time is a
// no-op; a newer create time replaces the stored contents. The directory
// mtime records last-update.
func (r *Repository) Insert(ctx context.Context, a archive.Archive) error {
	id := a.Spec().ID
	dir := r.moduleDir(id)

	hash, err := archive.ContentHash(a)
	if err != nil {
		return err
	}

	if info, err := os.Stat(dir); err == nil {
		existing, err := archive.NewPathArchive(dir, archive.WithPathSpecCodec(r.codec))
		if err == nil {
			existingHash, hashErr := archive.ContentHash(existing)
			if hashErr == nil && archive.HashesEqual(existingHash, hash) && !info.ModTime().Before(a.CreateTime()) {
				r.log.WithField("module", id.String()).Debug("insert is a no-op, stored archive is identical and fresh")
				return nil
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to replace stored archive %s: %w", id, err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create module directory: %w", err)
	}
	if err := archive.Extract(a, dir); err != nil {
		return err
	}
	specData, err := r.codec.Encode(a.Spec())
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, r.codec.FileName()), specData, 0o644); err != nil {
		return fmt.Errorf("failed to write spec file: %w", err)
	}
	if err := os.Chtimes(dir, a.CreateTime(), a.CreateTime()); err != nil {
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

// Delete removes the module's directory.
func (r *Repository) Delete(ctx context.Context, id module.ID) error {
	dir := r.moduleDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return repository.ErrNotFound
		}
		return err
	}
	return os.RemoveAll(dir)
}

// Fetch builds archives straight over the stored module directories; the
// repository root doubles as the output location, so nothing is copied.
// Unknown IDs are skipped.
func (r *Repository) Fetch(ctx context.Context, ids []module.ID) ([]archive.Archive, error) {
	out := make([]archive.Archive, 0, len(ids))
	for _, id := range ids {
		dir := r.moduleDir(id)
		info, err := os.Stat(dir)
		if err != nil {
			r.log.WithField("module", id.String()).Warn("fetch skipped unknown module")
			continue
		}
		a, err := archive.NewPathArchive(dir,
			archive.WithPathSpecCodec(r.codec),
			archive.WithPathCreateTime(info.ModTime()),
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
		if !entry.IsDir() {
			continue
		}
		id, err := module.ParseID(entry.Name())
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
		specPath := filepath.Join(v.repo.moduleDir(id), v.repo.codec.FileName())
		if data, err := os.ReadFile(specPath); err == nil {
			if spec, err := v.repo.codec.Decode(data); err == nil {
				summary.Spec = spec
			}
		}
		summaries = append(summaries, summary)
	}
	repository.SortSummaries(summaries)
	return summaries, nil
}
