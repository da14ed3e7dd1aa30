package provider

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	passwordLength  = 16
	passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// generatePassword returns a random shell password for a fresh workload.
func generatePassword() (string, error) {
	max := big.NewInt(int64(len(passwordCharset)))
	buf := make([]byte, passwordLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		buf[i] = passwordCharset[n.Int64()]
	}
	return string(buf), nil
}
