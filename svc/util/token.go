package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

// TokenAlphabet is the 62-symbol alphabet public paste tokens are drawn
// from. Selection uses crypto/rand with rejection sampling (rand.Int), so
// every symbol is equally likely.
const TokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// MaxTokenAttempts bounds the propose-insert retry loop. Exhausting it is a
// structural signal that the token space for the configured length is too
// small, not a transient condition.
const MaxTokenAttempts = 5

var alphabetLen = big.NewInt(int64(len(TokenAlphabet)))

// NewToken returns a random token of exactly length symbols.
func NewToken(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("token length must be positive")
	}
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		b[i] = TokenAlphabet[n.Int64()]
	}
	return string(b), nil
}
