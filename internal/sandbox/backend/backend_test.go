package backend

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry/sqlitestore"
)

func TestResourceNameAndNodeURL(t *testing.T) {
	if got := ResourceName("team-1", "main"); got != "team-1-main" {
		t.Errorf("ResourceName = %q", got)
	}
	h := instance.Handle{Host: "team-1-main", Port: 8545}
	if got := NodeURL(h); got != "http://team-1-main:8545" {
		t.Errorf("NodeURL = %q", got)
	}
}

func TestOwnedBy(t *testing.T) {
	req := &instance.CreateRequest{InstanceID: "team-1", LaunchID: "L1"}
	labels := Labels(req, "main")
	if !OwnedBy(labels, req) {
		t.Error("resource should be owned by its own launch")
	}
	other := &instance.CreateRequest{InstanceID: "team-1", LaunchID: "L2"}
	if OwnedBy(labels, other) {
		t.Error("resource must not be owned by a different launch")
	}
	if OwnedBy(map[string]string{}, req) {
		t.Error("unlabelled resource must not be owned")
	}
}

func TestParseResources(t *testing.T) {
	l, err := ParseResources(instance.Resources{CPU: "500m", Memory: "512Mi"})
	if err != nil {
		t.Fatalf("ParseResources: %v", err)
	}
	if l.MilliCPU != 500 {
		t.Errorf("MilliCPU = %d, want 500", l.MilliCPU)
	}
	if l.MemoryBytes != 512*1024*1024 {
		t.Errorf("MemoryBytes = %d", l.MemoryBytes)
	}

	zero, err := ParseResources(instance.Resources{})
	if err != nil || zero != (Limits{}) {
		t.Errorf("empty resources: %+v, %v", zero, err)
	}

	if _, err := ParseResources(instance.Resources{CPU: "lots"}); err == nil {
		t.Error("expected error for bad cpu quantity")
	}
}

func TestValidateResources(t *testing.T) {
	req := &instance.CreateRequest{
		Nodes:   map[string]instance.NodeSpec{"main": {Resources: instance.Resources{Memory: "1Gi"}}},
		Daemons: map[string]instance.DaemonSpec{"bot": {Image: "x", Resources: instance.Resources{CPU: "?"}}},
	}
	if err := ValidateResources(req); !errors.Is(err, instance.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestNewRecord(t *testing.T) {
	now := time.Unix(1000, 0)
	req := &instance.CreateRequest{InstanceID: "team-1", Timeout: 60}
	rec, err := NewRecord(req, map[string]instance.Handle{"main": {ID: "main"}}, nil, now)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if rec.CreatedAt != 1000 || rec.ExpiresAt != 1060 {
		t.Errorf("timestamps = %d/%d", rec.CreatedAt, rec.ExpiresAt)
	}
	if len(rec.ExternalID) != instance.ExternalIDLength {
		t.Errorf("external id %q", rec.ExternalID)
	}
	if rec.Daemons == nil || rec.Metadata == nil {
		t.Error("maps must be non-nil")
	}
}

func TestNewRecordTimeoutBounds(t *testing.T) {
	now := time.Unix(1000, 0)
	nodes := map[string]instance.Handle{"main": {ID: "main"}}

	rec, err := NewRecord(&instance.CreateRequest{InstanceID: "team-1", Timeout: instance.MaxTimeout}, nodes, nil, now)
	if err != nil {
		t.Fatalf("NewRecord(MaxTimeout): %v", err)
	}
	if rec.ExpiresAt != 1000+instance.MaxTimeout || rec.ExpiresAt <= rec.CreatedAt {
		t.Errorf("expires_at = %d, created_at = %d", rec.ExpiresAt, rec.CreatedAt)
	}

	for _, timeout := range []int64{0, -5, instance.MaxTimeout + 1, math.MaxInt64} {
		_, err := NewRecord(&instance.CreateRequest{InstanceID: "team-1", Timeout: timeout}, nodes, nil, now)
		if !errors.Is(err, instance.ErrInvalidRequest) {
			t.Errorf("timeout %d: expected ErrInvalidRequest, got %v", timeout, err)
		}
	}
}

func TestSortedNames(t *testing.T) {
	got := SortedNames(map[string]int{"b": 1, "a": 2, "c": 3})
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("SortedNames = %v", got)
	}
}

func TestKillRecord(t *testing.T) {
	ctx := context.Background()
	reg, err := sqlitestore.New(filepath.Join(t.TempDir(), "kill.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	inst := &instance.Instance{InstanceID: "team-1", ExternalID: "ext-aaaaaaaaaaaaaaaaaaaa", CreatedAt: 1, ExpiresAt: 2}
	if err := reg.Register(ctx, inst); err != nil {
		t.Fatal(err)
	}

	destroyed := 0
	destroy := func(context.Context, *instance.Instance) error {
		destroyed++
		return errors.New("daemon refused to die")
	}

	got, err := KillRecord(ctx, reg, "team-1", destroy)
	if err != nil {
		t.Fatalf("KillRecord: %v", err)
	}
	if got == nil || got.InstanceID != "team-1" {
		t.Fatalf("KillRecord returned %+v", got)
	}
	if destroyed != 1 {
		t.Errorf("destroy called %d times", destroyed)
	}

	// Teardown errors do not resurrect the record, and a second kill is a no-op.
	again, err := KillRecord(ctx, reg, "team-1", destroy)
	if err != nil || again != nil {
		t.Fatalf("second KillRecord = %+v, %v", again, err)
	}
	if destroyed != 1 {
		t.Errorf("destroy must not run for an absent record")
	}
}
