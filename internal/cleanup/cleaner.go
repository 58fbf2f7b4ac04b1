// Package cleanup purges files older than the retention window from the
// storages whose bytes live on this host.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/metadata"
	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/retry"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
)

const (
	DefaultRetentionMonths = 6
	DefaultInterval        = 24 * time.Hour
	DefaultPageSize        = 200
)

// DefaultEarliestCutoff is the oldest cutoff a run accepts. An earlier
// cutoff means the clock or the retention setting is broken.
var DefaultEarliestCutoff = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Config holds cleaner settings. Zero values take the defaults.
type Config struct {
	RetentionMonths int
	Interval        time.Duration
	EarliestCutoff  time.Time
	PageSize        int
	Retry           retry.Config
}

func (c Config) withDefaults() Config {
	if c.RetentionMonths <= 0 {
		c.RetentionMonths = DefaultRetentionMonths
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.EarliestCutoff.IsZero() {
		c.EarliestCutoff = DefaultEarliestCutoff
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	return c
}

// Resolver maps storage ids to backends.
type Resolver interface {
	ResolveByID(id int) (*storage.Location, error)
}

// Result summarises one run.
type Result struct {
	Cutoff  time.Time
	Deleted int
	Failed  int
	Skipped bool  // cutoff failed the sanity check
	Err     error // listing failed or the run was cancelled
}

// Cleaner periodically removes expired files.
type Cleaner struct {
	cfg      Config
	store    metadata.Store
	resolver Resolver
	clock    clock.Clock

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Cleaner. A nil clk uses the wall clock.
func New(cfg Config, store metadata.Store, resolver Resolver, clk clock.Clock) *Cleaner {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Cleaner{
		cfg:      cfg.withDefaults(),
		store:    store,
		resolver: resolver,
		clock:    clk,
	}
}

// Start runs once immediately and then every Interval until ctx is done.
// Each tick launches its run in the background; a tick that finds a run in
// progress does nothing.
func (c *Cleaner) Start(ctx context.Context) {
	logging.Info("files cleanup scheduled",
		zap.Int("retention_months", c.cfg.RetentionMonths),
		zap.Duration("interval", c.cfg.Interval))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.launch(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.cfg.Interval):
				c.launch(ctx)
			}
		}
	}()
}

// Wait blocks until the schedule loop and any run it started have returned.
func (c *Cleaner) Wait() {
	c.wg.Wait()
}

func (c *Cleaner) launch(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		logging.Debug("files cleanup already running, tick ignored")
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		c.run(ctx)
	}()
}

// RunOnce performs a run synchronously. It returns false without doing
// anything when another run is in progress.
func (c *Cleaner) RunOnce(ctx context.Context) (Result, bool) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, false
	}
	defer c.running.Store(false)
	return c.run(ctx), true
}

// Running reports whether a run is in progress.
func (c *Cleaner) Running() bool {
	return c.running.Load()
}

func (c *Cleaner) run(ctx context.Context) Result {
	start := c.clock.Now()
	res := Result{Cutoff: start.AddDate(0, -c.cfg.RetentionMonths, 0)}

	if res.Cutoff.Before(c.cfg.EarliestCutoff) {
		res.Skipped = true
		logging.Warn("cleanup skipped",
			zap.Time("cutoff", res.Cutoff),
			zap.Time("earliest_cutoff", c.cfg.EarliestCutoff))
		metrics.RecordCleanupRun("skipped", 0, 0, 0)
		return res
	}

	query := metadata.ExpiredQuery{
		Cutoff: res.Cutoff,
		Kinds:  models.DiskKinds(),
		Limit:  c.cfg.PageSize,
	}

	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		page, err := retry.Do(ctx, c.cfg.Retry, func() ([]models.FileRecord, error) {
			page, err := c.store.ListExpired(ctx, query)
			if err != nil {
				return nil, retry.Transient(err)
			}
			return page, nil
		})
		if err != nil {
			res.Err = fmt.Errorf("list expired files: %w", err)
			logging.Error("error running files cleanup", zap.Error(err))
			break
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			rec := &page[i]
			query.AfterID = rec.ID
			if err := c.purge(ctx, rec); err != nil {
				res.Failed++
				logging.Error("error deleting expired file",
					zap.Int64("file_id", rec.ID),
					zap.Int("storage_id", rec.StorageID),
					zap.Error(err))
				continue
			}
			res.Deleted++
		}
	}

	outcome := "success"
	if res.Err != nil {
		outcome = "error"
	}
	metrics.RecordCleanupRun(outcome, res.Deleted, res.Failed, c.clock.Now().Sub(start))

	if res.Deleted > 0 || res.Failed > 0 || res.Err != nil {
		logging.Info("cleanup finished",
			zap.Int("deleted", res.Deleted),
			zap.Int("failed", res.Failed),
			zap.Int("retention_months", c.cfg.RetentionMonths),
			zap.Time("cutoff", res.Cutoff))
	}
	return res
}

// purge deletes the bytes then the record. Already-missing bytes or records
// count as purged.
func (c *Cleaner) purge(ctx context.Context, rec *models.FileRecord) error {
	loc, err := c.resolver.ResolveByID(rec.StorageID)
	if err != nil {
		return err
	}
	if err := loc.Delete(ctx, rec.PhysicalID, rec.DirType); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete bytes: %w", err)
	}
	if err := c.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
