// Package backend defines how sandbox instances are materialised on a
// compute substrate and the helpers shared by every substrate.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
)

// Labels attached to every resource a backend creates.
const (
	LabelManagedBy   = "sandbox.managed-by"
	LabelInstanceID  = "sandbox.instance-id"
	LabelLaunchID    = "sandbox.launch-id"
	LabelSubResource = "sandbox.sub-resource"
	ManagedByValue   = "sandboxd"
)

// Backend provisions and destroys instances.
type Backend interface {
	// Name identifies the substrate in logs.
	Name() string

	// Launch creates every sub-resource of req, waits for the nodes to be
	// reachable and prepared, and returns the populated record. It does not
	// register the record. On failure everything it created is destroyed and
	// the returned error wraps instance.ErrProvisioning.
	Launch(ctx context.Context, req *instance.CreateRequest) (*instance.Instance, error)

	// Cleanup destroys whatever sub-resources named by req exist and carry
	// req.LaunchID. Absence is not an error.
	Cleanup(ctx context.Context, req *instance.CreateRequest) error

	// Kill unregisters instanceID and then destroys its sub-resources. It
	// returns (nil, nil) when no record exists.
	Kill(ctx context.Context, instanceID string) (*instance.Instance, error)
}

// Preparer readies a node once its process is running.
type Preparer interface {
	Prepare(ctx context.Context, url string, spec instance.NodeSpec) error
}

// ResourceName is the substrate name of sub-resource sub of an instance.
func ResourceName(instanceID, sub string) string {
	return instanceID + "-" + sub
}

// NodeURL is the HTTP endpoint of a node handle.
func NodeURL(h instance.Handle) string {
	return "http://" + h.Host + ":" + strconv.Itoa(h.Port)
}

// Labels returns the label set for a resource of req. sub may be empty for
// instance-wide resources.
func Labels(req *instance.CreateRequest, sub string) map[string]string {
	l := map[string]string{
		LabelManagedBy:  ManagedByValue,
		LabelInstanceID: req.InstanceID,
		LabelLaunchID:   req.LaunchID,
	}
	if sub != "" {
		l[LabelSubResource] = sub
	}
	return l
}

// OwnedBy reports whether labels mark a resource created by req's launch.
func OwnedBy(labels map[string]string, req *instance.CreateRequest) bool {
	return labels[LabelManagedBy] == ManagedByValue &&
		labels[LabelInstanceID] == req.InstanceID &&
		labels[LabelLaunchID] == req.LaunchID
}

// SortedNames returns the keys of m in lexical order.
func SortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// NewRecord assembles the registry record for a successful launch.
func NewRecord(req *instance.CreateRequest, nodes, daemons map[string]instance.Handle, now time.Time) (*instance.Instance, error) {
	created := now.Unix()
	if req.Timeout <= 0 || req.Timeout > instance.MaxTimeout || created > math.MaxInt64-req.Timeout {
		return nil, fmt.Errorf("%w: timeout %d out of range", instance.ErrInvalidRequest, req.Timeout)
	}
	ext, err := instance.NewExternalID()
	if err != nil {
		return nil, err
	}
	if daemons == nil {
		daemons = map[string]instance.Handle{}
	}
	return &instance.Instance{
		InstanceID: req.InstanceID,
		ExternalID: ext,
		CreatedAt:  created,
		ExpiresAt:  created + req.Timeout,
		Nodes:      nodes,
		Daemons:    daemons,
		Metadata:   map[string]string{},
	}, nil
}

// Limits are parsed container resource limits. Zero means unlimited.
type Limits struct {
	MilliCPU    int64
	MemoryBytes int64
}

// ParseResources parses Kubernetes quantity strings.
func ParseResources(r instance.Resources) (Limits, error) {
	var l Limits
	if r.CPU != "" {
		q, err := resource.ParseQuantity(r.CPU)
		if err != nil {
			return Limits{}, fmt.Errorf("cpu %q: %w", r.CPU, err)
		}
		l.MilliCPU = q.MilliValue()
	}
	if r.Memory != "" {
		q, err := resource.ParseQuantity(r.Memory)
		if err != nil {
			return Limits{}, fmt.Errorf("memory %q: %w", r.Memory, err)
		}
		l.MemoryBytes = q.Value()
	}
	return l, nil
}

// ValidateResources checks every resource string in req.
func ValidateResources(req *instance.CreateRequest) error {
	for name, n := range req.Nodes {
		if _, err := ParseResources(n.Resources); err != nil {
			return fmt.Errorf("%w: node %s: %v", instance.ErrInvalidRequest, name, err)
		}
	}
	for name, d := range req.Daemons {
		if _, err := ParseResources(d.Resources); err != nil {
			return fmt.Errorf("%w: daemon %s: %v", instance.ErrInvalidRequest, name, err)
		}
	}
	return nil
}

// KillRecord unregisters instanceID from reg and, when a record existed,
// hands it to destroy. Destruction failures are logged; the unregister
// outcome alone decides the result.
func KillRecord(ctx context.Context, reg registry.Registry, instanceID string, destroy func(context.Context, *instance.Instance) error) (*instance.Instance, error) {
	inst, err := reg.Unregister(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("unregister %s: %w", instanceID, err)
	}
	if inst == nil {
		return nil, nil
	}
	if err := destroy(ctx, inst); err != nil {
		slog.Warn("instance teardown incomplete", "instance_id", instanceID, "err", err)
	}
	return inst, nil
}
