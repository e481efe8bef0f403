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

	"github.com/shiftwire/shiftwire/internal/api"
	"github.com/shiftwire/shiftwire/internal/config"
	"github.com/shiftwire/shiftwire/internal/forwarder"
	"github.com/shiftwire/shiftwire/internal/ingest"
	"github.com/shiftwire/shiftwire/internal/queue"
	"github.com/shiftwire/shiftwire/internal/session"
	"github.com/shiftwire/shiftwire/internal/snapshot"
	"github.com/shiftwire/shiftwire/internal/upstream"
	"github.com/shiftwire/shiftwire/internal/worker"
	"github.com/spf13/cobra"
)

// Version information set at build time via ldflags:
//
//	-X main.Version=1.0.0
//	-X main.Commit=abc1234
//	-X main.Date=2026-07-01T12:00:00Z
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "shiftwire",
	Short: "Shiftwire - Attendance Edge Gateway",
	RunE:  run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shiftwire %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
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
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Open the queue database (migrations, WAL mode)
	q, err := queue.NewSQLiteQueue(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("queue initialized", "path", cfg.Database.Path)

	// 5. Session authority shares the queue's database file
	rotatedAt, err := cfg.RotatedAtTime()
	if err != nil {
		return err
	}
	authority := session.NewAuthority(session.NewStore(q.DB()), session.Config{
		SigningSecret:         cfg.Auth.SigningSecret,
		PreviousSecret:        cfg.Auth.PreviousSecret,
		RotatedAt:             rotatedAt,
		KeyGraceDays:          cfg.Auth.KeyGraceDays,
		AccessTTL:             time.Duration(cfg.Auth.AccessTTL),
		RefreshTTL:            time.Duration(cfg.Auth.RefreshTTL),
		MaxConcurrentSessions: cfg.Auth.MaxConcurrentSessions,
	})
	slog.Info("session authority initialized",
		"max_concurrent_sessions", cfg.Auth.MaxConcurrentSessions,
		"key_grace_days", cfg.Auth.KeyGraceDays,
	)

	// 6. Upstream ERP client; ingestion and the forwarder share its budget
	erp := upstream.New(upstream.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		APIKey:           cfg.Upstream.APIKey,
		APISecret:        cfg.Upstream.APISecret,
		Timeout:          time.Duration(cfg.Upstream.Timeout),
		RetryCount:       cfg.Upstream.RetryCount,
		RetryBaseDelay:   time.Duration(cfg.Upstream.RetryBaseDelay),
		MaxConcurrent:    cfg.Upstream.MaxConcurrent,
		Reservoir:        cfg.Upstream.Reservoir,
		ReservoirRefresh: cfg.Upstream.ReservoirRefresh,
		ReservoirWindow:  time.Duration(cfg.Upstream.ReservoirWindow),
		MinSpacing:       time.Duration(cfg.Upstream.MinSpacing),
		BatchSize:        cfg.Upstream.BatchSize,
		BatchDelay:       time.Duration(cfg.Upstream.BatchDelay),
		BreakerThreshold: cfg.Upstream.BreakerThreshold,
	})
	slog.Info("upstream client initialized", "base_url", cfg.Upstream.BaseURL)

	// 7. Ingestion service and forwarder
	ingestor := ingest.New(q, erp, time.Duration(cfg.Upstream.Timeout))
	fwd := forwarder.New(q, erp, forwarder.Config{
		SyncInterval: time.Duration(cfg.Forwarder.SyncInterval),
		BatchSize:    cfg.Forwarder.BatchSize,
		MaxAttempts:  cfg.Forwarder.MaxAttempts,
		Retention:    time.Duration(cfg.Forwarder.Retention),
	})

	// 8. Snapshot uploader (S3-compatible storage)
	uploader, err := snapshot.NewUploader(snapshot.StorageConfig{
		Bucket:    cfg.Snapshot.Bucket,
		Endpoint:  cfg.Snapshot.Endpoint,
		Region:    cfg.Snapshot.Region,
		AccessKey: cfg.Snapshot.AccessKey,
		SecretKey: cfg.Snapshot.SecretKey,
		UseSSL:    cfg.Snapshot.UseSSL,
		URLExpiry: time.Duration(cfg.Snapshot.URLExpiry),
	})
	if err != nil {
		return fmt.Errorf("initialize snapshot uploader: %w", err)
	}
	if cfg.Snapshot.Bucket != "" {
		slog.Info("snapshot upload enabled",
			"bucket", cfg.Snapshot.Bucket,
			"region", cfg.Snapshot.Region,
			"endpoint", cfg.Snapshot.Endpoint,
		)
	}

	// 9. HTTP router
	handler := api.NewHandler(ingestor, q, fwd, authority, cfg.Auth.DeviceKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 10. Configure HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 11. Worker lifecycle infrastructure
	var wg sync.WaitGroup

	startWorker(ctx, &wg, "forwarder", fwd.Run)

	retentionCoordinator := worker.NewRetentionCoordinator(
		q,
		session.NewStore(q.DB()),
		time.Duration(cfg.Worker.CleanupInterval),
		time.Duration(cfg.Forwarder.Retention),
	)
	startWorker(ctx, &wg, "retention-coordinator", retentionCoordinator.Run)

	snapshotCoordinator := worker.NewSnapshotCoordinator(
		q,
		time.Duration(cfg.Worker.SnapshotInterval),
		uploader,
	)
	startWorker(ctx, &wg, "snapshot-coordinator", snapshotCoordinator.Run)

	// 12. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error is a server failure that should
		// trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 13. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 14. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 14a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 14b. Wait for workers; the forwarder finishes its current cycle
	wg.Wait()

	// 14c. Close the queue database
	if err := q.Close(); err != nil {
		slog.Error("queue close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
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
// Note: Workers log their own start/stop messages with detailed context.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
