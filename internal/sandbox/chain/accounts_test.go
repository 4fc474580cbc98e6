package chain

import (
	"encoding/hex"
	"testing"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

func TestDeriveAccount_KnownVectors(t *testing.T) {
	cases := []struct {
		index int
		want  string
	}{
		{0, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"},
		{1, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"},
	}
	for _, tc := range cases {
		acct, err := DeriveAccount(instance.DefaultMnemonic, instance.DefaultDerivationPath, tc.index)
		if err != nil {
			t.Fatalf("DeriveAccount(%d): %v", tc.index, err)
		}
		if acct.Address != tc.want {
			t.Errorf("index %d: got %s, want %s", tc.index, acct.Address, tc.want)
		}
	}
}

func TestDeriveAccount_PathWithoutTrailingSlash(t *testing.T) {
	a, err := DeriveAccount(instance.DefaultMnemonic, "m/44'/60'/0'/0", 0)
	if err != nil {
		t.Fatalf("DeriveAccount: %v", err)
	}
	if a.Address != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Errorf("got %s", a.Address)
	}
}

func TestDeriveAccounts_MatchesSingle(t *testing.T) {
	all, err := DeriveAccounts(instance.DefaultMnemonic, instance.DefaultDerivationPath, 3)
	if err != nil {
		t.Fatalf("DeriveAccounts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(all))
	}
	second, err := DeriveAccount(instance.DefaultMnemonic, instance.DefaultDerivationPath, 1)
	if err != nil {
		t.Fatalf("DeriveAccount: %v", err)
	}
	if all[1].Address != second.Address {
		t.Errorf("batch and single derivation disagree: %s vs %s", all[1].Address, second.Address)
	}
}

func TestDeriveAccount_BadPath(t *testing.T) {
	for _, path := range []string{"44'/60'/0'/0/", "m/x/0/", "m/44'/-1/"} {
		if _, err := DeriveAccount(instance.DefaultMnemonic, path, 0); err == nil {
			t.Errorf("expected error for path %q", path)
		}
	}
}

func TestChecksumAddress(t *testing.T) {
	// EIP-55 reference vector.
	raw, _ := hex.DecodeString("5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	want := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	if got := ChecksumAddress(raw); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
