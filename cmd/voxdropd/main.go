// Voxdropd is the VoxDrop upload daemon.
//
// It loads configuration, accepts audio uploads over a WebSocket, and stores
// them in a flat directory that is also served read-only over HTTP. Shutdown
// is handled gracefully on SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/app"
	"github.com/large-farva/voxdrop/internal/config"
	"github.com/large-farva/voxdrop/internal/logging"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "Path to config TOML (defaults only when empty)")
		bind       = pflag.String("bind", "", "HTTP bind address (overrides server.bind)")
		storage    = pflag.String("storage-dir", "", "Upload directory (overrides storage.dir)")
		legacyAck  = pflag.Bool("legacy-ack", false, "Acknowledge uploads with the bare success string")
		level      = pflag.String("log-level", "", "Log level (overrides logging.level)")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxdropd: config load failed: %v\n", err)
		os.Exit(1)
	}
	if *storage != "" {
		cfg.Storage.Dir = *storage
	}
	if *legacyAck {
		cfg.Upload.LegacyAck = true
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}

	logger, err := logging.New("voxdropd", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxdropd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	a, err := app.New(app.Options{
		Logger: logger,
		Cfg:    cfg,
		Bind:   *bind,
	})
	if err != nil {
		logger.Fatal("init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting",
		zap.String("version", app.Version),
		zap.String("config", *configPath),
	)
	if err := a.Run(ctx); err != nil {
		logger.Fatal("voxdropd failed", zap.Error(err))
	}
	logger.Info("stopped")
}
