// Package instance defines the sandbox instance record, the creation request
// and the errors shared by the registry, backends, lifecycle manager and the
// HTTP surfaces.
package instance

import (
	"maps"
	"time"
)

// Defaults applied to a NodeSpec when the caller leaves a field empty.
const (
	DefaultImage          = "ghcr.io/foundry-rs/foundry:latest"
	DefaultAccounts       = 10
	DefaultBalance        = 1000.0
	DefaultDerivationPath = "m/44'/60'/0'/0/"
	DefaultMnemonic       = "test test test test test test test test test test test junk"

	// NodePort is the port a node listens on inside its container.
	NodePort = 8545
)

// MaxTimeout is the longest lifetime, in seconds, a request may ask for.
const MaxTimeout int64 = 30 * 24 * 60 * 60

// Handle locates one provisioned sub-resource. Host and Port are empty for
// daemons, which are not reachable through the relay.
type Handle struct {
	ID        string `json:"id"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	BackendID string `json:"backend_id,omitempty"`
}

// Instance is the registry record for one provisioned sandbox.
type Instance struct {
	InstanceID string            `json:"instance_id"`
	ExternalID string            `json:"external_id"`
	CreatedAt  int64             `json:"created_at"`
	ExpiresAt  int64             `json:"expires_at"`
	Nodes      map[string]Handle `json:"nodes"`
	Daemons    map[string]Handle `json:"daemons"`
	Metadata   map[string]string `json:"metadata"`
}

// Expired reports whether the instance's deadline is at or before now.
func (i *Instance) Expired(now time.Time) bool {
	return i.ExpiresAt <= now.Unix()
}

// Clone returns a deep copy so callers can mutate maps without racing the
// registry's copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Nodes = maps.Clone(i.Nodes)
	c.Daemons = maps.Clone(i.Daemons)
	c.Metadata = maps.Clone(i.Metadata)
	return &c
}

// Resources are container limits written as Kubernetes quantities
// ("500m", "1", "512Mi"). Empty means unlimited.
type Resources struct {
	CPU    string `json:"cpu,omitempty" yaml:"cpu"`
	Memory string `json:"memory,omitempty" yaml:"memory"`
}

// NodeSpec describes one addressable chain node.
type NodeSpec struct {
	Image          string    `json:"image,omitempty"`
	Accounts       *int      `json:"accounts,omitempty"`
	Balance        *float64  `json:"balance,omitempty"`
	DerivationPath string    `json:"derivation_path,omitempty"`
	Mnemonic       string    `json:"mnemonic,omitempty"`
	ForkURL        string    `json:"fork_url,omitempty"`
	ForkBlockNum   *uint64   `json:"fork_block_num,omitempty"`
	ForkChainID    *uint64   `json:"fork_chain_id,omitempty"`
	NoRateLimit    bool      `json:"no_rate_limit,omitempty"`
	ChainID        *uint64   `json:"chain_id,omitempty"`
	CodeSizeLimit  *uint64   `json:"code_size_limit,omitempty"`
	BlockTime      *uint64   `json:"block_time,omitempty"`
	Resources      Resources `json:"resources,omitzero"`
}

// AccountCount returns the number of accounts to fund.
func (n NodeSpec) AccountCount() int {
	if n.Accounts == nil {
		return DefaultAccounts
	}
	return *n.Accounts
}

// BalanceEther returns the per-account balance in ether.
func (n NodeSpec) BalanceEther() float64 {
	if n.Balance == nil {
		return DefaultBalance
	}
	return *n.Balance
}

// Path returns the HD derivation path prefix.
func (n NodeSpec) Path() string {
	if n.DerivationPath == "" {
		return DefaultDerivationPath
	}
	return n.DerivationPath
}

// Phrase returns the mnemonic used to derive funded accounts.
func (n NodeSpec) Phrase() string {
	if n.Mnemonic == "" {
		return DefaultMnemonic
	}
	return n.Mnemonic
}

// DaemonSpec describes a sidecar that acts on the instance autonomously.
type DaemonSpec struct {
	Image     string            `json:"image"`
	Env       map[string]string `json:"env,omitempty"`
	Resources Resources         `json:"resources,omitzero"`
}

// CreateRequest is the body of POST /instances.
type CreateRequest struct {
	InstanceID string                `json:"instance_id"`
	Timeout    int64                 `json:"timeout"`
	Nodes      map[string]NodeSpec   `json:"nodes"`
	Daemons    map[string]DaemonSpec `json:"daemons,omitempty"`

	// LaunchID identifies one launch attempt. Backends label what they
	// create with it so cleanup never touches another attempt's resources.
	LaunchID string `json:"-"`
}

// SubResourceNames returns every node and daemon name in the request.
func (r *CreateRequest) SubResourceNames() []string {
	names := make([]string, 0, len(r.Nodes)+len(r.Daemons))
	for name := range r.Nodes {
		names = append(names, name)
	}
	for name := range r.Daemons {
		names = append(names, name)
	}
	return names
}
