// Command aucd stores metric series and serves the area under them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vjranagit/auc/internal/config"
	"github.com/vjranagit/auc/pkg/api"
	"github.com/vjranagit/auc/pkg/area"
	"github.com/vjranagit/auc/pkg/integrate"
	"github.com/vjranagit/auc/pkg/storage"
)

const version = "0.3.0"

type options struct {
	configPath  string
	listenAddr  string
	storagePath string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "aucd",
		Short:        "Series store with an area-under-curve API",
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return run(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.StringVar(&opts.listenAddr, "listen", "", "listen address (overrides config)")
	flags.StringVar(&opts.storagePath, "storage-path", "", "data directory (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")

	return cmd
}

// load resolves configuration: environment defaults, then the config file,
// then explicitly set flags
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.ListenAddr = o.listenAddr
	}
	if flags.Changed("storage-path") {
		cfg.Storage.Path = o.storagePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting aucd",
		zap.String("version", version),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("storage_path", cfg.Storage.Path),
		zap.Int("retention_days", cfg.Storage.RetentionDays),
		zap.Int("compression_level", cfg.Storage.CompressionLevel))

	store, err := storage.NewStorage(cfg.ToStorageConfig(), logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", zap.Error(err))
		}
	}()

	stats := store.Stats()
	logger.Info("storage engine initialized",
		zap.Int("series", stats.Series),
		zap.String("disk", humanize.Bytes(uint64(stats.DiskBytes))))

	backend := store
	if cfg.Area.CacheTTL > 0 {
		backend = storage.NewCachedStorage(store, cfg.Area.CacheTTL)
	}

	// Validate has already accepted the policy
	policy, _ := integrate.ParsePolicy(cfg.Area.Policy)
	svc := area.NewService(backend,
		area.WithPolicy(policy),
		area.WithLogger(logger.Named("area")))

	server := api.NewServer(cfg.Server.ListenAddr, backend, svc, logger.Named("api"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return <-errCh
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
