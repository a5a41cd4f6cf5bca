package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/datasync/internal/backup"
)

// BackupSource writes a consistent copy of the database to the given path.
// Implemented by repository.DatabaseBackup.
type BackupSource interface {
	BackupTo(ctx context.Context, path string) error
}

// BackupCoordinator periodically copies the database to a temporary file and
// uploads it to S3-compatible storage.
type BackupCoordinator struct {
	source   BackupSource
	uploader backup.Uploader
	name     string
	interval time.Duration
}

// NewBackupCoordinator creates a coordinator that backs up the database
// under the given name every interval.
func NewBackupCoordinator(
	source BackupSource,
	uploader backup.Uploader,
	name string,
	interval time.Duration,
) *BackupCoordinator {
	return &BackupCoordinator{
		source:   source,
		uploader: uploader,
		name:     name,
		interval: interval,
	}
}

// Run starts the backup loop. It blocks until ctx is cancelled.
// The first backup runs immediately on start.
func (c *BackupCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.backupOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.backupOnce(ctx)
		}
	}
}

// backupOnce copies the database to a scratch file and uploads it.
// Returns true if the backup was uploaded.
func (c *BackupCoordinator) backupOnce(ctx context.Context) bool {
	start := time.Now()

	dir, err := os.MkdirTemp("", "datasync-backup-")
	if err != nil {
		slog.Error("failed to create backup scratch directory",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_failed",
			"error", err,
		)
		return false
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "current.db")
	if err := c.source.BackupTo(ctx, path); err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Error("database backup failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_failed",
			"error", err,
		)
		return false
	}

	if err := c.uploader.Upload(ctx, c.name, path); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("backup upload failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_upload_failed",
			"error", err,
		)
		return false
	}

	slog.Info("backup uploaded",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "backup_uploaded",
		"name", c.name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
