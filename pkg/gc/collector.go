// Package gc removes orphaned chunks: chunk sets whose file document no
// longer exists.
//
// Orphans appear when a removal is interrupted between deleting the file
// document and its chunks, when a process crashes mid-write, or when a
// document is deleted directly in the database. A file document always
// exists before any of its chunks is written, so a chunk set without a
// document is never a file still being created.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/chunk"
	"github.com/marmos91/filecollection/pkg/store/document"
)

// Documents resolves file documents by id. *document.Files satisfies it.
type Documents interface {
	Get(ctx context.Context, id uuid.UUID) (*document.File, error)
}

// Collector performs periodic garbage collection on one collection.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	name      string
	documents Documents
	chunks    chunk.Store
	config    Config

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether periodic collection runs. RunNow works
	// regardless.
	Enabled bool

	// Interval is how often to run garbage collection (default: 24h)
	Interval time.Duration

	// BatchSize is how many orphaned files are deleted concurrently before
	// checking for cancellation (default: 100)
	BatchSize int

	// DryRun logs what would be deleted without deleting
	DryRun bool
}

const (
	defaultInterval  = 24 * time.Hour
	defaultBatchSize = 100

	// deleteWorkers bounds concurrent DeleteAll calls within a batch
	deleteWorkers = 8
)

// NewCollector creates a collector for the named collection. The collector
// is not started; call Start to begin background collection.
func NewCollector(name string, documents Documents, chunks chunk.Store, config Config) *Collector {
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}

	return &Collector{
		name:      name,
		documents: documents,
		chunks:    chunks,
		config:    config,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins background garbage collection. Subsequent calls are no-ops.
func (c *Collector) Start() {
	c.startOnce.Do(func() {
		if !c.config.Enabled {
			logger.Info("GC[%s]: disabled", c.name)
			close(c.doneCh)
			return
		}

		logger.Info("GC[%s]: starting, interval=%s batch_size=%d dry_run=%v",
			c.name, c.config.Interval, c.config.BatchSize, c.config.DryRun)
		go c.worker()
	})
}

// Stop signals the worker and waits for an in-progress run to finish or
// for ctx to expire. Safe to call multiple times, and before Start.
func (c *Collector) Stop(ctx context.Context) error {
	// A collector that never started has no worker to wait for.
	c.startOnce.Do(func() { close(c.doneCh) })
	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		logger.Warn("GC[%s]: shutdown timeout", c.name)
		return ctx.Err()
	}
}

// RunNow performs one collection synchronously.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("GC[%s]: running (manual trigger)", c.name)
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Interval)
			// Stop interrupts a run in progress.
			go func() {
				select {
				case <-c.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("GC[%s]: collection failed: %v", c.name, err)
			} else {
				logger.Info("GC[%s]: completed: %s", c.name, stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect lists every file owning chunks, keeps those whose document is
// missing and deletes their chunks batch by batch.
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	owners, err := c.chunks.Files(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list chunk owners: %w", err)
	}
	stats.ScannedCount = uint64(len(owners))

	var orphaned []uuid.UUID
	for _, id := range owners {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		_, err := c.documents.Get(ctx, id)
		switch {
		case err == nil:
			continue
		case store.IsCode(err, store.ErrNotFound):
			orphaned = append(orphaned, id)
		default:
			return stats, fmt.Errorf("failed to look up file %s: %w", id, err)
		}
	}
	stats.OrphanedCount = uint64(len(orphaned))

	if len(orphaned) == 0 {
		return stats, nil
	}

	if c.config.DryRun {
		logger.Info("GC[%s]: DRY RUN - would delete chunks of %d files", c.name, len(orphaned))
		for i, id := range orphaned {
			if i == 10 {
				logger.Info("  ... and %d more", len(orphaned)-10)
				break
			}
			logger.Info("  - %s", id)
		}
		return stats, nil
	}

	for i := 0; i < len(orphaned); i += c.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batch := orphaned[i:min(i+c.config.BatchSize, len(orphaned))]
		deleted, failed := c.deleteBatch(ctx, batch)
		stats.DeletedCount += deleted
		stats.FailedCount += failed
	}

	return stats, nil
}

func (c *Collector) deleteBatch(ctx context.Context, batch []uuid.UUID) (deleted, failed uint64) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteWorkers)

	for _, id := range batch {
		g.Go(func() error {
			err := c.chunks.DeleteAll(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Debug("GC[%s]: failed to delete chunks of %s: %v", c.name, id, err)
				failed++
			} else {
				deleted++
			}
			return nil
		})
	}
	_ = g.Wait()
	return deleted, failed
}

// Stats contains statistics from a garbage collection run.
type Stats struct {
	StartTime     time.Time
	EndTime       time.Time
	ScannedCount  uint64 // files owning at least one chunk
	OrphanedCount uint64 // of those, files without a document
	DeletedCount  uint64 // orphans whose chunks were deleted
	FailedCount   uint64 // orphans whose deletion failed
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("scanned=%d orphaned=%d deleted=%d failed=%d duration=%s",
		s.ScannedCount, s.OrphanedCount, s.DeletedCount, s.FailedCount, s.Duration())
}
