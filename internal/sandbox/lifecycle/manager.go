// Package lifecycle owns launch and teardown of instances: it serialises
// launches per instance id, registers successful launches and reaps expired
// instances.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sandboxlab/sandboxd/common/logging"
	"github.com/sandboxlab/sandboxd/internal/sandbox/audit"
	"github.com/sandboxlab/sandboxd/internal/sandbox/backend"
	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
)

// Manager launches and kills instances on one backend.
type Manager struct {
	registry registry.Registry
	backend  backend.Backend
	notifier audit.Notifier

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewManager returns a Manager. A nil notifier disables audit notices.
func NewManager(reg registry.Registry, be backend.Backend, n audit.Notifier) *Manager {
	if n == nil {
		n = audit.Noop{}
	}
	return &Manager{
		registry: reg,
		backend:  be,
		notifier: n,
		inflight: make(map[string]struct{}),
	}
}

// Launch provisions req and registers the result. It returns
// instance.ErrInstanceExists when the id is live or already being launched,
// and instance.ErrInvalidRequest for malformed requests. Whatever a failed
// attempt created is cleaned up before Launch returns.
func (m *Manager) Launch(ctx context.Context, req *instance.CreateRequest) (*instance.Instance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := backend.ValidateResources(req); err != nil {
		return nil, err
	}

	log := logging.WithTrace(ctx).With("instance_id", req.InstanceID, "backend", m.backend.Name())

	switch _, err := m.registry.Get(ctx, req.InstanceID); {
	case err == nil:
		return nil, instance.ErrInstanceExists
	case !errors.Is(err, instance.ErrNotFound):
		return nil, fmt.Errorf("lookup %s: %w", req.InstanceID, err)
	}

	if !m.claim(req.InstanceID) {
		return nil, instance.ErrInstanceExists
	}
	defer m.release(req.InstanceID)

	attempt := *req
	attempt.LaunchID = uuid.NewString()
	log = log.With("launch_id", attempt.LaunchID)
	log.Info("launching instance")

	inst, err := m.backend.Launch(ctx, &attempt)
	if err != nil {
		log.Error("launch failed", "err", err)
		m.cleanup(ctx, &attempt)
		m.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindInstanceLaunchFailed,
			Target:  req.InstanceID,
			Message: "launch failed",
		})
		return nil, err
	}

	if err := m.registry.Register(ctx, inst); err != nil {
		m.cleanup(ctx, &attempt)
		if errors.Is(err, instance.ErrAlreadyExists) {
			log.Warn("lost registration race, launch rolled back")
			return nil, instance.ErrInstanceExists
		}
		log.Error("register failed", "err", err)
		return nil, fmt.Errorf("register %s: %w", req.InstanceID, err)
	}

	log.Info("instance launched", "external_id_len", len(inst.ExternalID), "expires_at", inst.ExpiresAt)
	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindInstanceLaunched,
		Target:  req.InstanceID,
		Message: fmt.Sprintf("launched with %d node(s), %d daemon(s)", len(inst.Nodes), len(inst.Daemons)),
	})
	return inst, nil
}

// Kill removes a live instance. It returns instance.ErrNotFound when there
// is nothing to remove.
func (m *Manager) Kill(ctx context.Context, instanceID string) (*instance.Instance, error) {
	inst, err := m.backend.Kill(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, instance.ErrNotFound
	}
	logging.WithTrace(ctx).Info("instance killed", "instance_id", instanceID)
	m.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindInstanceKilled,
		Target:  instanceID,
		Message: "instance deleted",
	})
	return inst, nil
}

func (m *Manager) cleanup(ctx context.Context, req *instance.CreateRequest) {
	if err := m.backend.Cleanup(context.WithoutCancel(ctx), req); err != nil {
		logging.WithTrace(ctx).Warn("cleanup after failed launch incomplete",
			"instance_id", req.InstanceID, "launch_id", req.LaunchID, "err", err)
	}
}

func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}
