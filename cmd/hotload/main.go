// Command hotload runs the dynamic module daemon: it polls a repository for
// archive changes and keeps an in-process module graph loaded, exposing
// health and metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hotload/pkg/compiler"
	"github.com/platinummonkey/hotload/pkg/compiler/bundle"
	"github.com/platinummonkey/hotload/pkg/compiler/protodesc"
	"github.com/platinummonkey/hotload/pkg/compiler/script"
	"github.com/platinummonkey/hotload/pkg/config"
	"github.com/platinummonkey/hotload/pkg/loader"
	"github.com/platinummonkey/hotload/pkg/observability"
	"github.com/platinummonkey/hotload/pkg/poller"
	"github.com/platinummonkey/hotload/pkg/repository"
	"github.com/platinummonkey/hotload/pkg/repository/cached"
	"github.com/platinummonkey/hotload/pkg/repository/jarrepo"
	"github.com/platinummonkey/hotload/pkg/repository/pathrepo"
	"github.com/platinummonkey/hotload/pkg/repository/s3repo"
	"github.com/platinummonkey/hotload/pkg/repository/sqlrepo"
)

var configPath = flag.String("config", "", "Path to YAML configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.LogLevel, os.Stdout)
	log.WithFields(logrus.Fields{
		"repository": cfg.Repository.Type,
		"interval":   cfg.Poller.Interval.Std().String(),
	}).Info("starting hotload")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize OpenTelemetry, continuing without tracing")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	repo, cleanup, err := buildRepository(ctx, cfg, log, metrics)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize repository")
	}
	defer cleanup()

	ldr, err := loader.New(loader.Config{
		AppPackageFilters: cfg.AppPackageFilters,
		Plugins: []compiler.Plugin{
			script.New(),
			protodesc.New(),
			bundle.New(),
		},
		WorkDir: filepath.Join(cfg.WorkDir, "compile"),
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize loader")
	}
	ldr.AddListener(&loader.ListenerFuncs{
		Updated: func(old, new *loader.Module) {
			log.WithFields(logrus.Fields{
				"module":   new.ID().String(),
				"revision": new.RevisionID().Num,
			}).Info("module updated")
		},
		Removed: func(old *loader.Module) {
			log.WithField("module", old.ID().String()).Info("module removed")
		},
	})

	p, err := poller.New(poller.Config{
		Consumer: &poller.LoaderConsumer{
			Loader: ldr,
			OnReport: func(repositoryID string, report *loader.UpdateReport) {
				for _, err := range report.Errors() {
					log.WithError(err).WithField("repository", repositoryID).Warn("archive update failure")
				}
			},
		},
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize poller")
	}
	if err := p.AddRepository(ctx, poller.Registration{
		Repository:         repo,
		Interval:           cfg.Poller.Interval.Std(),
		WaitForInitialPoll: cfg.Poller.WaitForInitialPoll,
	}); err != nil {
		log.WithError(err).Fatal("failed to register repository")
	}
	p.Start()

	server := healthServer(cfg.Server.HealthAddr, registry, ldr)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("health server failed")
		}
	}()
	log.WithField("addr", cfg.Server.HealthAddr).Info("health server listening")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("poller shutdown incomplete")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("health server shutdown incomplete")
	}
	if err := observability.ShutdownOTel(shutdownCtx, otelProviders, log); err != nil {
		log.WithError(err).Warn("tracing shutdown incomplete")
	}
}

// buildRepository constructs the configured repository, optionally wrapped
// with the Redis view cache.
func buildRepository(ctx context.Context, cfg *config.Config, log *logrus.Logger, metrics *observability.Metrics) (repository.ArchiveRepository, func(), error) {
	cleanup := func() {}

	var repo repository.ArchiveRepository
	var err error
	switch cfg.Repository.Type {
	case config.RepositoryPath:
		repo, err = pathrepo.New(pathrepo.Config{
			RepositoryID: cfg.Repository.ID,
			Root:         cfg.Repository.Root,
			Logger:       log,
		})
	case config.RepositoryJar:
		repo, err = jarrepo.New(jarrepo.Config{
			RepositoryID: cfg.Repository.ID,
			Root:         cfg.Repository.Root,
			Logger:       log,
		})
	case config.RepositorySQL:
		var sqlRepo *sqlrepo.Repository
		sqlRepo, err = sqlrepo.New(sqlrepo.Config{
			RepositoryID:   cfg.Repository.ID,
			Driver:         cfg.Repository.Driver,
			DSN:            cfg.Repository.DSN,
			TableName:      cfg.Repository.TableName,
			ShardCount:     cfg.Repository.ShardCount,
			FetchBatchSize: cfg.Repository.FetchBatchSize,
			OutputDir:      filepath.Join(cfg.WorkDir, "archives"),
			Logger:         log,
			Metrics:        metrics,
		})
		if err == nil {
			if err = sqlRepo.EnsureSchema(ctx); err != nil {
				sqlRepo.Close()
				return nil, nil, err
			}
			cleanup = func() { sqlRepo.Close() }
			repo = sqlRepo
		}
	case config.RepositoryS3:
		repo, err = s3repo.New(ctx, s3repo.Config{
			RepositoryID: cfg.Repository.ID,
			Endpoint:     cfg.Repository.S3.Endpoint,
			Region:       cfg.Repository.S3.Region,
			Bucket:       cfg.Repository.S3.Bucket,
			Prefix:       cfg.Repository.S3.Prefix,
			AccessKey:    cfg.Repository.S3.AccessKey,
			SecretKey:    cfg.Repository.S3.SecretKey,
			UsePathStyle: cfg.Repository.S3.UsePathStyle,
			OutputDir:    filepath.Join(cfg.WorkDir, "archives"),
			Logger:       log,
		})
	default:
		err = fmt.Errorf("unknown repository type %q", cfg.Repository.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	if cfg.Repository.Cache.Enabled {
		opts, err := redis.ParseURL(cfg.Repository.Cache.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		repo = cached.New(repo, client, cached.Config{
			TTL:    cfg.Repository.Cache.TTL.Std(),
			Logger: log,
		})
		prev := cleanup
		cleanup = func() {
			client.Close()
			prev()
		}
	}
	return repo, cleanup, nil
}

// healthServer serves liveness, a module inventory, and Prometheus metrics.
func healthServer(addr string, registry *prometheus.Registry, ldr *loader.Loader) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.HandleFunc("/modules", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for _, m := range ldr.Modules() {
			fmt.Fprintf(w, "%s#%d loaded=%s\n", m.ID(), m.RevisionID().Num, m.LoadedAt().Format(time.RFC3339))
		}
	})
	r.Handle("/metrics", observability.Handler(registry))
	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}
