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
	fmt.Printf("sandboxd relay\n")
	fmt.Printf("Version: %s\n", version.String())
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

	r, err := app.NewRelay(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize relay: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	if err := r.Run(ctx); err != nil {
		slog.Error("relay stopped", "err", err)
		r.Close()
		os.Exit(1)
	}
}
