// Package registry defines the durable mapping from instance identity to
// instance record. It is the only shared mutable state of the system: the
// orchestrator, its reaper and the relay all read and write through it.
package registry

import (
	"context"
	"time"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

// Registry stores instance records indexed by instance id, by external id and
// by expiry. Implementations must be safe for concurrent use, including from
// several processes when the backing store is shared.
type Registry interface {
	// Register stores inst under its instance id and external id and adds it
	// to the expiry index. It returns instance.ErrAlreadyExists when either
	// key is taken.
	Register(ctx context.Context, inst *instance.Instance) error

	// Unregister removes the record from every index and returns it. An
	// absent record yields (nil, nil), so repeated calls are harmless.
	Unregister(ctx context.Context, instanceID string) (*instance.Instance, error)

	// Get returns instance.ErrNotFound when the record is absent.
	Get(ctx context.Context, instanceID string) (*instance.Instance, error)

	// GetByExternalID returns instance.ErrNotFound when no record carries
	// externalID.
	GetByExternalID(ctx context.Context, externalID string) (*instance.Instance, error)

	// GetExpired returns every record whose expires_at is at or before now.
	GetExpired(ctx context.Context, now time.Time) ([]*instance.Instance, error)

	// UpdateMetadata merges patch into the record's metadata, last write wins
	// per key. It returns instance.ErrNotFound when the record is absent.
	UpdateMetadata(ctx context.Context, instanceID string, patch map[string]string) error

	// List returns every stored record.
	List(ctx context.Context) ([]*instance.Instance, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	Close() error
}
