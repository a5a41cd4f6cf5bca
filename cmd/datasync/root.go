package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/datasync/internal/backup"
	"github.com/hyperengineering/datasync/internal/config"
	"github.com/hyperengineering/datasync/internal/repository"
	"github.com/hyperengineering/datasync/internal/table"
	"github.com/hyperengineering/datasync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "datasync",
	Short: "Datasync - table synchronization server",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	slog.SetDefault(newLogger(cfg.Log))
	slog.Info("configuration loaded")

	// 4. Open database and apply migrations
	db, err := repository.OpenDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	if err := repository.RunMigrations(db); err != nil {
		db.Close()
		return err
	}
	slog.Info("database initialized", "path", cfg.Database.Path)

	// 5. Build the table server and register tables
	srv := table.NewServer(cfg.Server.BasePath, cfg.Auth.APIKey, Version)
	purgers, err := registerTables(srv, db, cfg)
	if err != nil {
		db.Close()
		return err
	}
	slog.Info("tables registered", "base_path", cfg.Server.BasePath)

	// 6. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 7. Background workers
	var wg sync.WaitGroup

	purger := worker.NewPurgeCoordinator(purgers,
		time.Duration(cfg.Retention.TombstoneRetention),
		time.Duration(cfg.Retention.PurgeInterval))
	startWorker(ctx, &wg, purger.Run)

	uploader, err := backup.NewUploader(cfg.Backup)
	if err != nil {
		db.Close()
		return err
	}
	if _, noop := uploader.(*backup.NoopUploader); !noop {
		backups := worker.NewBackupCoordinator(
			repository.NewDatabaseBackup(db), uploader, "datasync",
			time.Duration(cfg.Backup.Interval))
		startWorker(ctx, &wg, backups.Run)
	}

	// 8. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 10a. Stop HTTP server (drains in-flight requests)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 10b. Wait for workers to complete
	wg.Wait()

	// 10c. Close database
	if err := db.Close(); err != nil {
		slog.Error("database close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
