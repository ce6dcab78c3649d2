// cmd/bot/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/swarmlabs/solswarm/internal/bot"
	"github.com/swarmlabs/solswarm/internal/config"
	"github.com/swarmlabs/solswarm/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		LogFile:     "solswarm.log",
		MaxSize:     100,
		MaxAge:      7,
		MaxBackups:  3,
		Compress:    true,
		Development: *debug || cfg.DebugLogging,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting swarm bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := bot.NewRunner(log.Logger)
	if err := runner.Initialize(cfg); err != nil {
		log.Fatal("Failed to initialize", zap.Error(err))
	}

	if err := runner.Run(ctx); err != nil {
		log.Fatal("Runner error", zap.Error(err))
	}
}
