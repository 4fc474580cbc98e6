// Package registrytest holds the behavioural tests every registry.Registry
// implementation must pass. Store packages call Run from their own tests.
package registrytest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
)

// Factory returns a fresh, empty registry. It should register its own cleanup.
type Factory func(t *testing.T) registry.Registry

var base = time.Unix(1_700_000_000, 0)

// NewInstance builds a record that expires ttl after the fixed test epoch.
func NewInstance(id, externalID string, ttl time.Duration) *instance.Instance {
	return &instance.Instance{
		InstanceID: id,
		ExternalID: externalID,
		CreatedAt:  base.Unix(),
		ExpiresAt:  base.Add(ttl).Unix(),
		Nodes: map[string]instance.Handle{
			"main": {ID: "main", Host: "10.0.0.2", Port: instance.NodePort, BackendID: id + "-main"},
		},
		Daemons:  map[string]instance.Handle{},
		Metadata: map[string]string{},
	}
}

// Run executes the conformance suite against registries built by newReg.
func Run(t *testing.T, newReg Factory) {
	t.Run("RegisterAndGet", func(t *testing.T) { testRegisterAndGet(t, newReg(t)) })
	t.Run("RegisterDuplicate", func(t *testing.T) { testRegisterDuplicate(t, newReg(t)) })
	t.Run("UnregisterIdempotent", func(t *testing.T) { testUnregisterIdempotent(t, newReg(t)) })
	t.Run("GetExpired", func(t *testing.T) { testGetExpired(t, newReg(t)) })
	t.Run("UpdateMetadata", func(t *testing.T) { testUpdateMetadata(t, newReg(t)) })
	t.Run("UpdateMetadataMissing", func(t *testing.T) { testUpdateMetadataMissing(t, newReg(t)) })
	t.Run("ListAndCount", func(t *testing.T) { testListAndCount(t, newReg(t)) })
	t.Run("ConcurrentRegister", func(t *testing.T) { testConcurrentRegister(t, newReg(t)) })
}

func testRegisterAndGet(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	inst := NewInstance("team-42", "AbCdEfGhIjKlMnOpQrStUvWx", 30*time.Minute)
	if err := r.Register(ctx, inst); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := r.Get(ctx, "team-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ExternalID != inst.ExternalID || got.ExpiresAt != inst.ExpiresAt {
		t.Errorf("Get returned %+v, want %+v", got, inst)
	}
	if h := got.Nodes["main"]; h.Host != "10.0.0.2" || h.Port != instance.NodePort {
		t.Errorf("node handle not round-tripped: %+v", h)
	}

	byExt, err := r.GetByExternalID(ctx, inst.ExternalID)
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	if byExt.InstanceID != "team-42" {
		t.Errorf("GetByExternalID resolved to %q", byExt.InstanceID)
	}

	if _, err := r.Get(ctx, "team-43"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("Get(missing): expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetByExternalID(ctx, "nope"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("GetByExternalID(missing): expected ErrNotFound, got %v", err)
	}
}

func testRegisterDuplicate(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	if err := r.Register(ctx, NewInstance("team-42", "ext-one-aaaaaaaaaaaaaaaa", time.Hour)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(ctx, NewInstance("team-42", "ext-two-bbbbbbbbbbbbbbbb", time.Hour))
	if !errors.Is(err, instance.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// The first record must be untouched by the rejected write.
	got, err := r.Get(ctx, "team-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ExternalID != "ext-one-aaaaaaaaaaaaaaaa" {
		t.Errorf("record overwritten: external id %q", got.ExternalID)
	}
	if _, err := r.GetByExternalID(ctx, "ext-two-bbbbbbbbbbbbbbbb"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("rejected external id must not resolve, got %v", err)
	}
}

func testUnregisterIdempotent(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	inst := NewInstance("team-42", "ext-aaaaaaaaaaaaaaaaaaaa", time.Hour)
	if err := r.Register(ctx, inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.UpdateMetadata(ctx, "team-42", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	removed, err := r.Unregister(ctx, "team-42")
	if err != nil {
		t.Fatalf("first Unregister: %v", err)
	}
	if removed == nil || removed.InstanceID != "team-42" {
		t.Fatalf("first Unregister returned %+v", removed)
	}

	again, err := r.Unregister(ctx, "team-42")
	if err != nil {
		t.Fatalf("second Unregister must not fail, got %v", err)
	}
	if again != nil {
		t.Fatalf("second Unregister should report absence, got %+v", again)
	}

	if _, err := r.Get(ctx, "team-42"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("Get after Unregister: expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetByExternalID(ctx, inst.ExternalID); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("GetByExternalID after Unregister: expected ErrNotFound, got %v", err)
	}
	expired, err := r.GetExpired(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("GetExpired: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expiry index still holds %d records", len(expired))
	}

	// Re-registering the same id after removal starts with empty metadata.
	if err := r.Register(ctx, NewInstance("team-42", "ext-bbbbbbbbbbbbbbbbbbbb", time.Hour)); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	got, err := r.Get(ctx, "team-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Metadata) != 0 {
		t.Errorf("stale metadata survived unregister: %v", got.Metadata)
	}
}

func testGetExpired(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	// Insert out of expiry order.
	ttls := map[string]time.Duration{
		"late":   3 * time.Hour,
		"early":  time.Minute,
		"exact":  time.Hour,
		"middle": 30 * time.Minute,
	}
	i := 0
	for _, id := range []string{"late", "early", "exact", "middle"} {
		ext := fmt.Sprintf("ext-%020d", i)
		i++
		if err := r.Register(ctx, NewInstance(id, ext, ttls[id])); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	expired, err := r.GetExpired(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetExpired: %v", err)
	}
	var ids []string
	for _, inst := range expired {
		ids = append(ids, inst.InstanceID)
	}
	sort.Strings(ids)
	want := []string{"early", "exact", "middle"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("GetExpired = %v, want %v", ids, want)
	}

	none, err := r.GetExpired(ctx, base)
	if err != nil {
		t.Fatalf("GetExpired: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected nothing expired at creation time, got %d", len(none))
	}
}

func testUpdateMetadata(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	if err := r.Register(ctx, NewInstance("team-42", "ext-aaaaaaaaaaaaaaaaaaaa", time.Hour)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.UpdateMetadata(ctx, "team-42", map[string]string{"challenge": "0x01", "flag": "a"}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if err := r.UpdateMetadata(ctx, "team-42", map[string]string{"challenge": "0x02"}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	got, err := r.Get(ctx, "team-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata["challenge"] != "0x02" || got.Metadata["flag"] != "a" {
		t.Errorf("metadata = %v, want challenge=0x02 flag=a", got.Metadata)
	}

	byExt, err := r.GetByExternalID(ctx, "ext-aaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	if byExt.Metadata["challenge"] != "0x02" {
		t.Errorf("external-id lookup sees stale metadata: %v", byExt.Metadata)
	}
}

func testUpdateMetadataMissing(t *testing.T, r registry.Registry) {
	err := r.UpdateMetadata(context.Background(), "ghost", map[string]string{"k": "v"})
	if !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testListAndCount(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		if err := r.Register(ctx, NewInstance(id, fmt.Sprintf("ext-%020d", i), time.Hour)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	n, err := r.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
	all, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List returned %d records, want 3", len(all))
	}
}

func testConcurrentRegister(t *testing.T, r registry.Registry) {
	ctx := context.Background()
	const workers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Register(ctx, NewInstance("contested", fmt.Sprintf("ext-%020d", i), time.Hour))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, instance.ErrAlreadyExists):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflict != workers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflict)
	}
	n, err := r.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stored record, got %d", n)
	}
}
