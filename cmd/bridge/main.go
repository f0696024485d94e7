package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/serphen/roborock-offline/internal/bridge"
	"github.com/serphen/roborock-offline/internal/config"
	"github.com/serphen/roborock-offline/internal/identity"
	"github.com/serphen/roborock-offline/internal/logging"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	// Identity is loaded before any listener binds: without the device
	// key there is nothing this process can usefully answer.
	device, err := identity.Load(cfg.IdentityPath)
	if err != nil {
		logger.Fatal("device identity unavailable; run the key acquisition tool first",
			zap.String("path", cfg.IdentityPath), zap.Error(err))
	}
	logger.Info("device identity loaded",
		zap.String("duid", device.DUID), zap.String("name", device.Name))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New(cfg, logger, device)
	if err := b.Start(ctx); err != nil {
		logger.Fatal("bridge exited with error", zap.Error(err))
	}
}
