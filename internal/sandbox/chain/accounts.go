package chain

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"
)

const hardenedOffset = 0x80000000

var errInvalidChild = errors.New("chain: derived key is invalid for this index")

// Account is one derived key pair. Address carries the EIP-55 checksum.
type Account struct {
	Address    string
	PrivateKey *secp256k1.PrivateKey
}

// DeriveAccount derives account index under path from a BIP-39 mnemonic.
// path is a prefix such as "m/44'/60'/0'/0/"; the index is appended.
func DeriveAccount(mnemonic, path string, index int) (Account, error) {
	accounts, err := deriveRange(mnemonic, path, index, 1)
	if err != nil {
		return Account{}, err
	}
	return accounts[0], nil
}

// DeriveAccounts derives the first count accounts under path.
func DeriveAccounts(mnemonic, path string, count int) ([]Account, error) {
	return deriveRange(mnemonic, path, 0, count)
}

func deriveRange(mnemonic, path string, start, count int) ([]Account, error) {
	seed := mnemonicSeed(mnemonic, "")

	out := make([]Account, 0, count)
	for i := start; i < start+count; i++ {
		indices, err := parsePath(childPath(path, i))
		if err != nil {
			return nil, err
		}
		key, err := derive(seed, indices)
		if err != nil {
			return nil, fmt.Errorf("derive %s%d: %w", path, i, err)
		}
		out = append(out, Account{
			Address:    PubkeyAddress(key.PubKey()),
			PrivateKey: key,
		})
	}
	return out, nil
}

func childPath(prefix string, index int) string {
	if strings.HasSuffix(prefix, "/") {
		return prefix + strconv.Itoa(index)
	}
	return prefix + "/" + strconv.Itoa(index)
}

// mnemonicSeed is the BIP-39 seed: PBKDF2-HMAC-SHA512 over the NFKD-normalised
// phrase with salt "mnemonic"+passphrase, 2048 rounds, 64 bytes.
func mnemonicSeed(mnemonic, passphrase string) []byte {
	phrase := norm.NFKD.String(strings.Join(strings.Fields(mnemonic), " "))
	salt := norm.NFKD.String("mnemonic" + passphrase)
	return pbkdf2.Key([]byte(phrase), []byte(salt), 2048, 64, sha512.New)
}

func parsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("chain: derivation path %q must start with m/", path)
	}
	indices := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimRight(p, "'h")
		n, err := strconv.ParseUint(p, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("chain: bad path component %q in %q", p, path)
		}
		idx := uint32(n)
		if hardened {
			idx += hardenedOffset
		}
		indices = append(indices, idx)
	}
	return indices, nil
}

// derive walks BIP-32 private child derivation from the master key of seed.
func derive(seed []byte, indices []uint32) (*secp256k1.PrivateKey, error) {
	sum := hmacSHA512([]byte("Bitcoin seed"), seed)

	var key secp256k1.ModNScalar
	if overflow := key.SetByteSlice(sum[:32]); overflow || key.IsZero() {
		return nil, errInvalidChild
	}
	chainCode := sum[32:]

	for _, idx := range indices {
		data := make([]byte, 0, 37)
		if idx >= hardenedOffset {
			k := key.Bytes()
			data = append(data, 0x00)
			data = append(data, k[:]...)
		} else {
			data = append(data, secp256k1.NewPrivateKey(&key).PubKey().SerializeCompressed()...)
		}
		data = binary.BigEndian.AppendUint32(data, idx)

		sum = hmacSHA512(chainCode, data)
		var tweak secp256k1.ModNScalar
		if overflow := tweak.SetByteSlice(sum[:32]); overflow {
			return nil, errInvalidChild
		}
		key.Add(&tweak)
		if key.IsZero() {
			return nil, errInvalidChild
		}
		chainCode = sum[32:]
	}
	return secp256k1.NewPrivateKey(&key), nil
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// PubkeyAddress returns the checksummed account address of pub.
func PubkeyAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	h := keccak256(uncompressed[1:])
	return ChecksumAddress(h[12:])
}

// ChecksumAddress renders a 20-byte address in EIP-55 mixed case.
func ChecksumAddress(addr []byte) string {
	lower := hex.EncodeToString(addr)
	hash := keccak256([]byte(lower))

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
