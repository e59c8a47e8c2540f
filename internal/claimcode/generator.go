package claimcode

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// DefaultLength gives 60 bits of entropy over the 32-symbol alphabet.
	DefaultLength = 12
)

// Generator draws uppercase alphanumeric codes from a CSPRNG.
// Ambiguous glyphs (0/O, 1/I) are left out of the alphabet.
type Generator struct {
	length int
	rand   io.Reader
}

func New(length int) *Generator {
	if length <= 0 {
		length = DefaultLength
	}
	return &Generator{length: length, rand: rand.Reader}
}

// NewWithReader is for tests that need a deterministic source.
func NewWithReader(length int, r io.Reader) *Generator {
	g := New(length)
	g.rand = r
	return g
}

func (g *Generator) Generate() (string, error) {
	buf := make([]byte, g.length)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	// 256 is a multiple of 32, so masking keeps the distribution uniform
	for i, b := range buf {
		buf[i] = alphabet[int(b)&(len(alphabet)-1)]
	}
	return string(buf), nil
}
