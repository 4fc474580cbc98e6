package chain

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sandboxlab/sandboxd/common/retry"
	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

// DefaultReadiness polls every 250ms for up to a minute.
var DefaultReadiness = retry.Config{
	MaxAttempts:  240,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     250 * time.Millisecond,
}

// Preparer readies a node after its process starts.
type Preparer struct {
	HTTPClient *http.Client
	Readiness  retry.Config
}

// NewPreparer returns a Preparer with the default readiness budget.
func NewPreparer() *Preparer {
	return &Preparer{Readiness: DefaultReadiness}
}

// Prepare blocks until the node at url answers, then funds the spec's derived
// accounts.
func (p *Preparer) Prepare(ctx context.Context, url string, spec instance.NodeSpec) error {
	client := NewClient(url, p.HTTPClient)

	err := retry.Do(ctx, p.Readiness, func() error {
		_, err := client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("node did not become ready: %w", err)
	}

	n := spec.AccountCount()
	if n <= 0 {
		return nil
	}
	accounts, err := DeriveAccounts(spec.Phrase(), spec.Path(), n)
	if err != nil {
		return err
	}
	wei := EtherToWei(spec.BalanceEther())
	for _, acct := range accounts {
		if err := client.SetBalance(ctx, acct.Address, wei); err != nil {
			return fmt.Errorf("fund %s: %w", acct.Address, err)
		}
	}
	slog.Debug("node prepared", "accounts", n, "balance_wei", wei.String())
	return nil
}
