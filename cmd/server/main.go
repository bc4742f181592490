// Quince node daemon.
//
// Startup order matters: configuration, logging, the metadata store
// (with migrations), the block store, the filesystem manager, the index
// worker, and finally the HTTP servers. The block store may fail to
// initialize; unless configured otherwise the node then runs
// metadata-only and content writes fail fast.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/quincecloud/quince/internal/api"
	"github.com/quincecloud/quince/internal/auth"
	"github.com/quincecloud/quince/internal/blockstore"
	"github.com/quincecloud/quince/internal/config"
	"github.com/quincecloud/quince/internal/events"
	"github.com/quincecloud/quince/internal/fs"
	"github.com/quincecloud/quince/internal/index"
	"github.com/quincecloud/quince/internal/logging"
	"github.com/quincecloud/quince/internal/metadata"
	"github.com/quincecloud/quince/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("quince node starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata store (runs migrations on open).
	store, err := metadata.Open(metadata.Config{
		Path:     cfg.DatabasePath,
		PoolSize: cfg.DBPoolSize,
	})
	if err != nil {
		logging.Fatal("metadata store open failed", zap.Error(err))
	}
	defer store.Close()
	logging.Info("metadata store ready", zap.String("path", cfg.DatabasePath))

	// Block store. Initialization failure degrades to metadata-only
	// instead of crashing the node.
	blocks := openBlockStore(ctx, cfg)
	defer blocks.Shutdown(context.Background())

	broadcaster := events.NewBroadcaster()

	manager := fs.NewManager(store, blocks, broadcaster)

	worker := index.NewWorker(store, blocks, index.Config{
		Interval:  cfg.IndexInterval,
		BatchSize: cfg.IndexBatchSize,
	})
	worker.Start(ctx)
	defer worker.Stop()

	authService := auth.New(store, cfg.JWTSecret, cfg.SessionTTL)
	authService.StartCleanup(ctx)
	defer authService.StopCleanup()

	srv := api.NewServer(api.Config{
		Manager:       manager,
		Store:         store,
		Blocks:        blocks,
		Auth:          authService,
		Broadcaster:   broadcaster,
		WakeIndexer:   worker.Wake,
		MaxUploadSize: cfg.MaxUploadSize,
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// openBlockStore builds and initializes the configured block store.
// On failure it returns the unavailable store unless the configuration
// demands content storage.
func openBlockStore(ctx context.Context, cfg *config.Config) blockstore.Store {
	mode, err := blockstore.ParseMode(cfg.Reachability)
	if err != nil {
		logging.Fatal("invalid reachability mode", zap.Error(err))
	}

	if cfg.MetadataOnly {
		logging.Info("running metadata-only by configuration")
		return blockstore.NewUnavailable(mode)
	}

	var store blockstore.Store
	switch cfg.BlockBackend {
	case "s3":
		store, err = blockstore.NewS3(blockstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Mode:      mode,
		})
	default:
		store, err = blockstore.NewLocal(blockstore.LocalConfig{
			RepoPath: cfg.BlockRepoPath,
			Compress: cfg.BlockCompress,
			Mode:     mode,
		})
	}
	if err != nil {
		logging.Fatal("block store config invalid", zap.Error(err))
	}

	if err := store.Initialize(ctx); err != nil {
		if cfg.RequireBlockStore {
			logging.Fatal("block store initialization failed", zap.Error(err))
		}
		logging.Error("block store initialization failed, running metadata-only",
			zap.Error(err))
		return blockstore.NewUnavailable(mode)
	}
	return store
}
