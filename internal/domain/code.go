package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// NewCode draws a random join code from CodeAlphabet.
func NewCode() (string, error) {
	limit := big.NewInt(int64(len(CodeAlphabet)))
	b := make([]byte, CodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b[i] = CodeAlphabet[n.Int64()]
	}
	return string(b), nil
}
