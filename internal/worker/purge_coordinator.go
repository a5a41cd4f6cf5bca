// Package worker contains the background maintenance loops that run beside
// the HTTP server: tombstone purging and database backups. Each coordinator
// blocks in Run until its context is cancelled.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Purger removes soft-deleted rows last touched before cutoff.
// Implemented by repository.SQLite.
type Purger interface {
	PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error)
}

// PurgeCoordinator periodically removes expired tombstones from every table.
// Clients that have not synchronized within the retention window lose the
// deletions purged here and must re-pull without a delta token.
type PurgeCoordinator struct {
	purgers   map[string]Purger
	retention time.Duration
	interval  time.Duration
}

// NewPurgeCoordinator creates a coordinator over the named purgers.
// A zero or negative retention disables purging entirely.
func NewPurgeCoordinator(
	purgers map[string]Purger,
	retention time.Duration,
	interval time.Duration,
) *PurgeCoordinator {
	return &PurgeCoordinator{
		purgers:   purgers,
		retention: retention,
		interval:  interval,
	}
}

// Run starts the purge loop. It blocks until ctx is cancelled.
// The first pass runs immediately so a restart does not extend retention
// by a full interval.
func (c *PurgeCoordinator) Run(ctx context.Context) {
	if c.retention <= 0 {
		slog.Info("tombstone purging disabled",
			"component", "worker",
			"worker", "purge-coordinator",
			"action", "worker_disabled",
		)
		return
	}

	slog.Info("worker started",
		"component", "worker",
		"worker", "purge-coordinator",
		"action", "worker_started",
		"retention", c.retention.String(),
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.purgeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "purge-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.purgeAll(ctx)
		}
	}
}

// purgeAll purges each table, continuing on individual failures.
func (c *PurgeCoordinator) purgeAll(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.retention)

	var purged, failed int
	for table, purger := range c.purgers {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log summary
		}
		n, err := purger.PurgeTombstones(ctx, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("tombstone purge failed",
				"component", "worker",
				"worker", "purge-coordinator",
				"action", "purge_failed",
				"table", table,
				"error", err,
			)
			failed++
			continue
		}
		if n > 0 {
			slog.Info("tombstones purged",
				"component", "worker",
				"worker", "purge-coordinator",
				"action", "purge_complete",
				"table", table,
				"purged", n,
			)
		}
		purged += n
	}

	if purged > 0 || failed > 0 {
		slog.Info("purge cycle completed",
			"component", "worker",
			"worker", "purge-coordinator",
			"action", "cycle_complete",
			"tables", len(c.purgers),
			"purged", purged,
			"failed", failed,
		)
	}
}
