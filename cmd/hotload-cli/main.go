// Command hotload-cli publishes, lists, and deletes archives in a hotload
// repository. It is the producer-side companion to the hotload daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/platinummonkey/hotload/pkg/archive"
	"github.com/platinummonkey/hotload/pkg/config"
	"github.com/platinummonkey/hotload/pkg/module"
	"github.com/platinummonkey/hotload/pkg/observability"
	"github.com/platinummonkey/hotload/pkg/repository"
	"github.com/platinummonkey/hotload/pkg/repository/jarrepo"
	"github.com/platinummonkey/hotload/pkg/repository/pathrepo"
	"github.com/platinummonkey/hotload/pkg/repository/sqlrepo"
)

var (
	repoType  = flag.String("repo-type", string(config.RepositoryPath), "Repository type: path, jar, or sql")
	repoRoot  = flag.String("repo-root", "", "Repository root directory (path and jar types)")
	sqlDriver = flag.String("sql-driver", "postgres", "database/sql driver for the sql repository")
	sqlDSN    = flag.String("sql-dsn", "", "DSN for the sql repository")
	timeout   = flag.Duration("timeout", 30*time.Second, "Per-operation timeout")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: hotload-cli [flags] <command> [args]

Commands:
  publish <dir|jar>   Publish an archive from a directory or jar file
  delete <moduleId>   Delete a stored archive
  list                List stored archives

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo, cleanup, err := buildRepository(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	switch flag.Arg(0) {
	case "publish":
		err = publish(ctx, repo, flag.Arg(1))
	case "delete":
		err = remove(ctx, repo, flag.Arg(1))
	case "list":
		err = list(ctx, repo)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildRepository(ctx context.Context) (repository.ArchiveRepository, func(), error) {
	log := observability.NopLogger()
	cleanup := func() {}
	switch config.RepositoryType(*repoType) {
	case config.RepositoryPath:
		repo, err := pathrepo.New(pathrepo.Config{RepositoryID: "cli", Root: *repoRoot, Logger: log})
		return repo, cleanup, err
	case config.RepositoryJar:
		repo, err := jarrepo.New(jarrepo.Config{RepositoryID: "cli", Root: *repoRoot, Logger: log})
		return repo, cleanup, err
	case config.RepositorySQL:
		repo, err := sqlrepo.New(sqlrepo.Config{
			RepositoryID: "cli",
			Driver:       *sqlDriver,
			DSN:          *sqlDSN,
			OutputDir:    os.TempDir(),
			Logger:       log,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown repository type %q", *repoType)
	}
}

func publish(ctx context.Context, repo repository.ArchiveRepository, path string) error {
	if path == "" {
		return fmt.Errorf("publish requires a directory or jar path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var a archive.Archive
	if info.IsDir() {
		a, err = archive.NewPathArchive(path)
	} else {
		a, err = archive.NewJarArchive(path)
	}
	if err != nil {
		return err
	}

	if err := repo.Insert(ctx, a); err != nil {
		return err
	}
	fmt.Printf("published %s (%d entries)\n", a.Spec().ID, len(a.Entries()))
	return nil
}

func remove(ctx context.Context, repo repository.ArchiveRepository, rawID string) error {
	if rawID == "" {
		return fmt.Errorf("delete requires a module id")
	}
	id, err := module.ParseID(rawID)
	if err != nil {
		return err
	}
	if err := repo.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func list(ctx context.Context, repo repository.ArchiveRepository) error {
	summaries, err := repo.DefaultView().ArchiveSummaries(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tLAST UPDATE\tPLUGINS\tDEPENDENCIES")
	for _, s := range summaries {
		plugins, deps := "-", "-"
		if s.Spec != nil {
			if len(s.Spec.CompilerPluginIDs) > 0 {
				plugins = fmt.Sprint(s.Spec.CompilerPluginIDs)
			}
			if len(s.Spec.Dependencies) > 0 {
				deps = fmt.Sprint(s.Spec.Dependencies)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Module,
			time.UnixMilli(s.LastUpdate).UTC().Format(time.RFC3339),
			plugins,
			deps,
		)
	}
	return w.Flush()
}
