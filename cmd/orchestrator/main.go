package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandboxlab/sandboxd/common/logging"
	"github.com/sandboxlab/sandboxd/common/version"
	"github.com/sandboxlab/sandboxd/internal/sandbox/app"
	"github.com/sandboxlab/sandboxd/internal/sandbox/config"
)

func main() {
	fmt.Printf("sandboxd orchestrator\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.Info("configuration loaded", "settings", cfg.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := app.NewOrchestrator(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			slog.Warn("orchestrator close", "err", err)
		}
	}()

	if err := orch.Run(ctx); err != nil {
		slog.Error("orchestrator stopped", "err", err)
		stop()
		orch.Close()
		os.Exit(1)
	}
}
