// Package app wires configuration into the orchestrator and relay processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandboxlab/sandboxd/internal/sandbox/api"
	"github.com/sandboxlab/sandboxd/internal/sandbox/audit"
	"github.com/sandboxlab/sandboxd/internal/sandbox/backend"
	"github.com/sandboxlab/sandboxd/internal/sandbox/backend/docker"
	"github.com/sandboxlab/sandboxd/internal/sandbox/backend/kubernetes"
	"github.com/sandboxlab/sandboxd/internal/sandbox/chain"
	"github.com/sandboxlab/sandboxd/internal/sandbox/config"
	"github.com/sandboxlab/sandboxd/internal/sandbox/lifecycle"
	"github.com/sandboxlab/sandboxd/internal/sandbox/matrix"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry/redisstore"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry/sqlitestore"
	"github.com/sandboxlab/sandboxd/internal/sandbox/relay"
)

// OpenRegistry opens the registry selected by cfg.Database.
func OpenRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, error) {
	switch cfg.Database {
	case config.DatabaseSQLite:
		slog.Info("opening registry", "kind", cfg.Database, "path", cfg.SQLitePath)
		st, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite registry: %w", err)
		}
		return st, nil
	case config.DatabaseRedis:
		slog.Info("opening registry", "kind", cfg.Database)
		st, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis registry: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown registry %q", cfg.Database)
	}
}

// NewNotifier returns a Matrix notifier when the audit room is configured and
// audit.Noop otherwise. A room that cannot be joined is logged, not fatal.
func NewNotifier(ctx context.Context, cfg *config.Config) (audit.Notifier, error) {
	if !cfg.Matrix.Enabled() {
		return audit.Noop{}, nil
	}
	client, err := matrix.New(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
	})
	if err != nil {
		return nil, err
	}
	if err := client.JoinRoom(ctx, cfg.Matrix.AuditRoom); err != nil {
		slog.Warn("could not join audit room", "room", cfg.Matrix.AuditRoom, "err", err)
	}
	slog.Info("audit notices enabled", "room", cfg.Matrix.AuditRoom, "user", client.UserID())
	return audit.NewMatrixNotifier(client, cfg.Matrix.AuditRoom), nil
}

// NewBackend builds the backend selected by cfg.Backend. The returned close
// function releases the backend's client.
func NewBackend(ctx context.Context, cfg *config.Config, reg registry.Registry) (backend.Backend, func() error, error) {
	prep := chain.NewPreparer()
	switch cfg.Backend {
	case config.BackendDocker:
		b, err := docker.New(reg, prep, docker.Options{
			Network:         cfg.DockerNetwork,
			DefaultImage:    cfg.DefaultImage,
			OrchestratorURL: cfg.OrchestratorURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialise docker backend: %w", err)
		}
		if err := b.EnsureNetwork(ctx); err != nil {
			b.Close()
			return nil, nil, fmt.Errorf("failed to ensure docker network: %w", err)
		}
		return b, b.Close, nil
	case config.BackendKubernetes:
		b, err := kubernetes.New(cfg.Kubeconfig, reg, prep, kubernetes.Options{
			Namespace:       cfg.KubeNamespace,
			DefaultImage:    cfg.DefaultImage,
			OrchestratorURL: cfg.OrchestratorURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialise kubernetes backend: %w", err)
		}
		return b, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Orchestrator is the instance API process: the HTTP API plus the reaper.
type Orchestrator struct {
	registry     registry.Registry
	closeBackend func() error
	server       *api.Server
	reaper       *lifecycle.Reaper
}

// NewOrchestrator opens the registry and backend and assembles the API and
// reaper around them.
func NewOrchestrator(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	reg, err := OpenRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	be, closeBackend, err := NewBackend(ctx, cfg, reg)
	if err != nil {
		reg.Close()
		return nil, err
	}
	notifier, err := NewNotifier(ctx, cfg)
	if err != nil {
		closeBackend()
		reg.Close()
		return nil, fmt.Errorf("failed to initialise audit notifier: %w", err)
	}
	return assemble(cfg, reg, be, closeBackend, notifier), nil
}

func assemble(cfg *config.Config, reg registry.Registry, be backend.Backend, closeBackend func() error, n audit.Notifier) *Orchestrator {
	mgr := lifecycle.NewManager(reg, be, n)
	return &Orchestrator{
		registry:     reg,
		closeBackend: closeBackend,
		server:       api.NewServer(cfg.HTTPAddr, mgr, reg, be.Name()),
		reaper:       lifecycle.NewReaper(reg, be, n, lifecycle.ReaperConfig{Interval: cfg.ReapInterval}),
	}
}

// Run serves the API and runs the reaper until ctx is cancelled. It returns
// after the reaper has finished its current sweep.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.server.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.reaper.Run(ctx)
	}()

	slog.Info("orchestrator is running")
	<-ctx.Done()
	slog.Info("shutting down")
	o.server.Stop()
	wg.Wait()
	return nil
}

// Close releases the backend client and the registry.
func (o *Orchestrator) Close() error {
	return errors.Join(o.closeBackend(), o.registry.Close())
}

// Relay is the JSON-RPC relay process.
type Relay struct {
	registry registry.Registry
	server   *relay.Server
}

// NewRelay opens the registry and builds the relay server.
func NewRelay(ctx context.Context, cfg *config.Config) (*Relay, error) {
	reg, err := OpenRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RelayAdminSecret == "" {
		slog.Warn("RELAY_ADMIN_SECRET is empty; privileged relay calls are disabled")
	}
	return &Relay{
		registry: reg,
		server: relay.NewServer(cfg.RelayAddr, reg, relay.Options{
			AdminSecret: cfg.RelayAdminSecret,
			RateLimit:   cfg.RelayRateLimit,
			RateWindow:  cfg.RelayRateWindow,
		}),
	}, nil
}

// Run serves until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.server.Start(ctx); err != nil {
		return err
	}
	slog.Info("relay is running")
	<-ctx.Done()
	slog.Info("shutting down")
	r.server.Stop()
	return nil
}

// Close releases the registry.
func (r *Relay) Close() error {
	return r.registry.Close()
}
