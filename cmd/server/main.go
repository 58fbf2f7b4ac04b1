// Files Service
//
// Features:
// - Content-addressed uploads with per-storage deduplication
// - Multi-backend storage (local, SMB, S3, remote files service)
// - WhatsApp Business media import/export through remote storages
// - Range-aware public and private media delivery
// - Retention cleanup of disk-backed files
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Infotec-Solution-Provider/files-service/internal/api"
	"github.com/Infotec-Solution-Provider/files-service/internal/cleanup"
	"github.com/Infotec-Solution-Provider/files-service/internal/config"
	"github.com/Infotec-Solution-Provider/files-service/internal/files"
	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/metadata"
	"github.com/Infotec-Solution-Provider/files-service/internal/metadata/memstore"
	"github.com/Infotec-Solution-Provider/files-service/internal/metadata/postgres"
	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/retry"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage/backends"
	"github.com/Infotec-Solution-Provider/files-service/migrations"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app := &cli.App{
		Name:  "files-service",
		Usage: "Store and serve files for multi-tenant instances",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API, metrics endpoint and retention cleaner",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "memory",
						Usage: "keep metadata and storage rows in process memory (no PostgreSQL)",
					},
				},
				Action: func(cCtx *cli.Context) error {
					return serve(cCtx.Context, cCtx.Bool("memory"))
				},
			},
			{
				Name:  "cleanup",
				Usage: "run one retention cleanup pass and exit",
				Action: func(cCtx *cli.Context) error {
					return runCleanup(cCtx.Context)
				},
			},
			{
				Name:  "storages",
				Usage: "inspect and change storage locations",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "print every storage location",
						Action: func(cCtx *cli.Context) error {
							return listStorages(cCtx.Context)
						},
					},
					{
						Name:  "set-default",
						Usage: "make a storage the default of its instance",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "id", Usage: "storage id", Required: true},
						},
						Action: func(cCtx *cli.Context) error {
							return setDefaultStorage(cCtx.Context, cCtx.Int("id"))
						},
					},
				},
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deps is everything the commands share.
type deps struct {
	cfg      *config.Config
	pg       *postgres.Store // nil in memory mode
	store    metadata.Store
	registry *storage.Registry
	admin    *storage.Admin
	files    *files.Service
}

func (d *deps) Close() {
	if err := d.registry.Close(); err != nil {
		logging.Warn("closing storage backends", zap.Error(err))
	}
	if d.pg != nil {
		d.pg.Close()
	}
}

func bootstrap(ctx context.Context, inMemory bool) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.Validate(inMemory); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return nil, fmt.Errorf("logging init error: %w", err)
	}

	d := &deps{cfg: cfg}
	var repo storage.ConfigRepository

	if inMemory {
		mem := memstore.New()
		d.store = mem
		repo = &registeringRepo{ConfigRepository: storage.NewMemoryConfigStore(), files: mem}
		logging.Warn("running with in-memory metadata, nothing survives a restart")
	} else {
		logging.Info("connecting to PostgreSQL...")
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		logging.Info("running migrations...")
		if err := pg.Migrate(migrations.FS); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		d.pg = pg
		d.store = pg
		repo = storage.NewConfigStore(pg.DB())
	}

	d.registry = storage.NewRegistry(backends.Factory(backends.Options{
		PathTemplate:  cfg.FilesPathTemplate,
		RemoteTimeout: cfg.RemoteTimeout,
	}))
	if err := d.registry.Load(ctx, repo); err != nil {
		d.Close()
		return nil, fmt.Errorf("storage registry init failed: %w", err)
	}
	d.admin = storage.NewAdmin(repo, d.registry)

	if cfg.DefaultInstance != "" {
		kind := models.KindLocal
		if inMemory {
			kind = models.KindMemory
		}
		if err := d.admin.EnsureDefault(ctx, cfg.DefaultInstance, kind); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to create default storage: %w", err)
		}
	}

	d.files = files.NewService(d.store, d.registry)
	return d, nil
}

func (d *deps) newCleaner() *cleanup.Cleaner {
	return cleanup.New(cleanup.Config{
		RetentionMonths: d.cfg.CleanupRetentionMonths,
		Interval:        d.cfg.CleanupInterval,
		EarliestCutoff:  d.cfg.CleanupEarliestCutoff,
		PageSize:        d.cfg.CleanupPageSize,
		Retry:           retry.DefaultConfig(),
	}, d.store, d.registry, clock.WallClock)
}

func serve(parent context.Context, inMemory bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := bootstrap(ctx, inMemory)
	if err != nil {
		return err
	}
	defer logging.Sync()
	defer d.Close()

	logging.Info("Files Service starting...",
		zap.String("listen", d.cfg.ListenAddr),
		zap.String("metrics", d.cfg.MetricsAddr),
		zap.Bool("in_memory", inMemory))

	srv := api.NewServer(d.files, d.registry, d.admin, d.cfg.MaxUploadSize)
	httpServer := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              d.cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	var cleaner *cleanup.Cleaner
	if d.cfg.CleanupEnabled {
		cleaner = d.newCleaner()
		cleaner.Start(gctx)
	} else {
		logging.Info("retention cleanup disabled")
	}

	g.Go(func() error {
		logging.Info("server listening", zap.String("addr", d.cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", d.cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	if d.pg != nil {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					d.pg.UpdateConnectionMetrics()
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	if cleaner != nil {
		cleaner.Wait()
	}
	logging.Info("server stopped")
	return err
}

func runCleanup(ctx context.Context) error {
	d, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer logging.Sync()
	defer d.Close()

	res, ran := d.newCleaner().RunOnce(ctx)
	if !ran {
		return errors.New("cleanup already running")
	}
	fmt.Printf("cutoff=%s deleted=%d failed=%d skipped=%t\n",
		res.Cutoff.Format(time.DateOnly), res.Deleted, res.Failed, res.Skipped)
	return res.Err
}

func listStorages(ctx context.Context) error {
	d, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer logging.Sync()
	defer d.Close()

	for _, loc := range d.registry.Locations() {
		def := ""
		if loc.IsDefault {
			def = " (default)"
		}
		fmt.Printf("%d\t%s\t%s%s\n", loc.ID, loc.Instance, loc.Kind, def)
	}
	return nil
}

func setDefaultStorage(ctx context.Context, id int) error {
	d, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer logging.Sync()
	defer d.Close()

	loc, err := d.admin.SetDefault(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("storage %d is now the default of %s\n", loc.ID, loc.Instance)
	return nil
}

// registeringRepo tells the in-memory metadata store about every storage
// row it persists, so instance scoped lookups and cleanup can see them.
type registeringRepo struct {
	storage.ConfigRepository
	files *memstore.Store
}

func (r *registeringRepo) List(ctx context.Context) ([]models.StorageConfig, error) {
	rows, err := r.ConfigRepository.List(ctx)
	for _, row := range rows {
		r.files.RegisterStorage(row.ID, row.Instance, row.Kind)
	}
	return rows, err
}

func (r *registeringRepo) Create(ctx context.Context, cfg *models.StorageConfig) error {
	if err := r.ConfigRepository.Create(ctx, cfg); err != nil {
		return err
	}
	r.files.RegisterStorage(cfg.ID, cfg.Instance, cfg.Kind)
	return nil
}

func (r *registeringRepo) Update(ctx context.Context, cfg *models.StorageConfig) error {
	if err := r.ConfigRepository.Update(ctx, cfg); err != nil {
		return err
	}
	r.files.RegisterStorage(cfg.ID, cfg.Instance, cfg.Kind)
	return nil
}
