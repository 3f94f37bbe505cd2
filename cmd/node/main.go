package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"p2p_compute/pkg/config"
	"p2p_compute/pkg/node"
	"p2p_compute/pkg/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	dataDir := flag.String("data-dir", "", "override the node data directory")
	debug := flag.Bool("debug", false, "enable debug logging to stderr")
	flag.Parse()

	if err := run(*configPath, *dataDir, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.OutputPath = filepath.Join(cfg.Node.DataDir, "logs", "node.log")
	logCfg.Debug = debug || cfg.IsDevelopment()

	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	n := node.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	if err := n.Stop(); err != nil {
		return fmt.Errorf("stopping node: %w", err)
	}
	return nil
}
