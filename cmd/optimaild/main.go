// Command optimaild runs the prompt-optimization loop as a daemon: it
// loads configuration from the environment, assembles the engine, and
// drives the background scheduler until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/optimail/optimail"
	"github.com/optimail/optimail/config"
	"github.com/optimail/optimail/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "optimaild:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may be set elsewhere.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := utils.NewLogger(cfg.LogLevel)
	cfg.Logger = logger

	engine, err := optimail.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	logger.Info("optimaild running",
		"check_interval", cfg.CheckInterval, "db", cfg.DatabasePath, "model", cfg.Model)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
