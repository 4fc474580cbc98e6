package instance

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// ExternalIDLength is the number of characters in an external id.
const ExternalIDLength = 24

const externalIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewExternalID returns a random token of ExternalIDLength ASCII letters drawn
// from crypto/rand. It carries no information about the instance id.
func NewExternalID() (string, error) {
	out := make([]byte, ExternalIDLength)
	limit := big.NewInt(int64(len(externalIDAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate external id: %w", err)
		}
		out[i] = externalIDAlphabet[n.Int64()]
	}
	return string(out), nil
}
