package instance_test

import (
	"errors"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

func ptr[T any](v T) *T { return &v }

func TestNewExternalID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id, err := instance.NewExternalID()
		if err != nil {
			t.Fatalf("NewExternalID: %v", err)
		}
		if len(id) != instance.ExternalIDLength {
			t.Fatalf("expected %d chars, got %d (%q)", instance.ExternalIDLength, len(id), id)
		}
		for _, r := range id {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				t.Fatalf("unexpected character %q in %q", r, id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate external id %q", id)
		}
		seen[id] = true
	}
}

func TestInstance_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	inst := &instance.Instance{CreatedAt: now.Unix() - 10, ExpiresAt: now.Unix()}
	if !inst.Expired(now) {
		t.Error("expires_at == now should count as expired")
	}
	if inst.Expired(now.Add(-time.Second)) {
		t.Error("instance should not be expired one second earlier")
	}
}

func TestInstance_CloneIsDeep(t *testing.T) {
	orig := &instance.Instance{
		InstanceID: "team-42",
		Nodes:      map[string]instance.Handle{"main": {ID: "main", Host: "10.0.0.2", Port: 8545}},
		Metadata:   map[string]string{"challenge": "0xabc"},
	}
	c := orig.Clone()
	c.Metadata["challenge"] = "changed"
	c.Nodes["other"] = instance.Handle{ID: "other"}

	if orig.Metadata["challenge"] != "0xabc" {
		t.Error("clone shares metadata map with original")
	}
	if _, ok := orig.Nodes["other"]; ok {
		t.Error("clone shares nodes map with original")
	}
}

func TestNodeSpec_Defaults(t *testing.T) {
	var spec instance.NodeSpec
	if spec.AccountCount() != instance.DefaultAccounts {
		t.Errorf("AccountCount = %d", spec.AccountCount())
	}
	if spec.BalanceEther() != instance.DefaultBalance {
		t.Errorf("BalanceEther = %v", spec.BalanceEther())
	}
	if spec.Path() != instance.DefaultDerivationPath || spec.Phrase() != instance.DefaultMnemonic {
		t.Errorf("unexpected derivation defaults %q / %q", spec.Path(), spec.Phrase())
	}

	spec.Accounts = ptr(0)
	if spec.AccountCount() != 0 {
		t.Errorf("explicit zero accounts should be honoured, got %d", spec.AccountCount())
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	valid := func() *instance.CreateRequest {
		return &instance.CreateRequest{
			InstanceID: "team-42",
			Timeout:    1800,
			Nodes:      map[string]instance.NodeSpec{"main": {}},
			Daemons:    map[string]instance.DaemonSpec{"watcher": {Image: "ghcr.io/example/watcher:1"}},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	longest := valid()
	longest.Timeout = instance.MaxTimeout
	if err := longest.Validate(); err != nil {
		t.Fatalf("MaxTimeout rejected: %v", err)
	}

	cases := map[string]func(r *instance.CreateRequest){
		"uppercase id":      func(r *instance.CreateRequest) { r.InstanceID = "Team-42" },
		"empty id":          func(r *instance.CreateRequest) { r.InstanceID = "" },
		"zero timeout":      func(r *instance.CreateRequest) { r.Timeout = 0 },
		"timeout too long":  func(r *instance.CreateRequest) { r.Timeout = instance.MaxTimeout + 1 },
		"max int timeout":   func(r *instance.CreateRequest) { r.Timeout = math.MaxInt64 },
		"no nodes":          func(r *instance.CreateRequest) { r.Nodes = nil },
		"bad node name":     func(r *instance.CreateRequest) { r.Nodes = map[string]instance.NodeSpec{"main_1": {}} },
		"daemon w/o image":  func(r *instance.CreateRequest) { r.Daemons["watcher"] = instance.DaemonSpec{} },
		"node/daemon clash": func(r *instance.CreateRequest) { r.Daemons["main"] = instance.DaemonSpec{Image: "x"} },
		"id too long":       func(r *instance.CreateRequest) { r.InstanceID = strings.Repeat("a", 41) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := valid()
			mutate(r)
			err := r.Validate()
			if !errors.Is(err, instance.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestNodeArgs(t *testing.T) {
	spec := instance.NodeSpec{
		ForkURL:      "https://eth.example/rpc",
		ForkBlockNum: ptr(uint64(18_000_000)),
		ChainID:      ptr(uint64(31337)),
		NoRateLimit:  true,
		BlockTime:    ptr(uint64(2)),
	}
	args := instance.NodeArgs(spec, "main", 8546)
	want := []string{
		"--host", "0.0.0.0",
		"--port", "8546",
		"--accounts", "0",
		"--state", "/data/main-state.json",
		"--state-interval", "5",
		"--fork-url", "https://eth.example/rpc",
		"--fork-block-number", "18000000",
		"--no-rate-limit",
		"--chain-id", "31337",
		"--block-time", "2",
	}
	if !slices.Equal(args, want) {
		t.Errorf("NodeArgs mismatch\n got: %v\nwant: %v", args, want)
	}
}

func TestShellQuote(t *testing.T) {
	got := instance.ShellQuote([]string{"--fork-url", "https://x.example/rpc?key=a b", "it's", ""})
	want := `--fork-url 'https://x.example/rpc?key=a b' 'it'"'"'s' ''`
	if got != want {
		t.Errorf("ShellQuote = %s, want %s", got, want)
	}
}
