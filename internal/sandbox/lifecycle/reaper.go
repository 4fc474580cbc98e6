package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sandboxlab/sandboxd/internal/sandbox/audit"
	"github.com/sandboxlab/sandboxd/internal/sandbox/backend"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
)

// ReaperConfig configures the expiry loop.
type ReaperConfig struct {
	// Interval is how often expired instances are collected. Defaults to 1s.
	Interval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Reaper kills instances whose deadline has passed.
type Reaper struct {
	registry registry.Registry
	backend  backend.Backend
	notifier audit.Notifier
	cfg      ReaperConfig

	// failing is set from the first failed GetExpired until the next good one.
	failing atomic.Bool
}

// NewReaper creates a Reaper. A nil notifier disables audit notices.
func NewReaper(reg registry.Registry, be backend.Backend, n audit.Notifier, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if n == nil {
		n = audit.Noop{}
	}
	return &Reaper{registry: reg, backend: be, notifier: n, cfg: cfg}
}

// Run sweeps on every tick. Blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reaper: starting", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper: stopping")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.Error("reaper: sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs a single pass and returns how many instances it removed. A
// failure on one instance does not stop the others. When the registry cannot
// be queried, a KindError notice is sent on the first failing pass only.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.registry.GetExpired(ctx, r.cfg.Now())
	if err != nil {
		if r.failing.CompareAndSwap(false, true) {
			r.notifier.Notify(ctx, audit.Event{
				Kind:    audit.KindError,
				Message: "expiry sweep failed: " + err.Error(),
			})
		}
		return 0, fmt.Errorf("get expired: %w", err)
	}
	r.failing.Store(false)

	reaped := 0
	for _, inst := range expired {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		killed, err := r.backend.Kill(ctx, inst.InstanceID)
		if err != nil {
			slog.Error("reaper: kill failed", "instance_id", inst.InstanceID, "err", err)
			continue
		}
		if killed == nil {
			// Someone else removed it between the query and the kill.
			continue
		}
		reaped++
		slog.Info("reaper: instance expired", "instance_id", inst.InstanceID, "expires_at", inst.ExpiresAt)
		r.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindInstanceExpired,
			Target:  inst.InstanceID,
			Message: "instance expired",
		})
	}
	return reaped, nil
}
