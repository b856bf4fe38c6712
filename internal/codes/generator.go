package codes

import (
	"crypto/rand"
	"fmt"
)

// alphabet drops I, O, 0 and 1. Its length divides 256, so byte%len is unbiased.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Generator produces candidate code values.
type Generator interface {
	Generate(n int) (string, error)
}

// RandomGenerator draws codes from crypto/rand.
type RandomGenerator struct{}

func (RandomGenerator) Generate(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}
