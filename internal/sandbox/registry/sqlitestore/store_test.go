package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry/registrytest"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry/sqlitestore"
)

func newTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.New(filepath.Join(t.TempDir(), "sandbox-test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registry.Registry { return newTestStore(t) })
}

func TestReopenKeepsRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sandbox.db")
	ctx := context.Background()

	s, err := sqlitestore.New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Register(ctx, registrytest.NewInstance("team-1", "ext-aaaaaaaaaaaaaaaaaaaa", time.Hour)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Migrations must be skipped on the second open.
	s2, err := sqlitestore.New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetByExternalID(ctx, "ext-aaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("GetByExternalID after reopen: %v", err)
	}
	if got.InstanceID != "team-1" {
		t.Errorf("InstanceID: got %q, want %q", got.InstanceID, "team-1")
	}
}
