// Package keygen produces access key tokens of the form KEY-XXXXXXXXXXXXXXXX.
package keygen

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/hashicorp/go-secure-stdlib/base62"
)

const (
	// Prefix is the literal token prefix.
	Prefix = "KEY-"
	// RandomLength is the number of random characters after Prefix.
	RandomLength = 16
	// Length is the total token length.
	Length = len(Prefix) + RandomLength
)

// Generator draws tokens from an entropy source.
type Generator struct {
	src io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{src: rand.Reader}
}

// NewWithReader returns a Generator reading entropy from src.
func NewWithReader(src io.Reader) *Generator {
	if src == nil {
		src = rand.Reader
	}
	return &Generator{src: src}
}

// Generate returns a fresh token.
func (g *Generator) Generate() (string, error) {
	suffix, err := base62.RandomWithReader(RandomLength, g.src)
	if err != nil {
		return "", fmt.Errorf("keygen: read entropy: %w", err)
	}
	return Prefix + suffix, nil
}

// Valid reports whether token has the KEY- prefix followed by exactly
// RandomLength alphanumeric characters.
func Valid(token string) bool {
	if len(token) != Length || token[:len(Prefix)] != Prefix {
		return false
	}
	for i := len(Prefix); i < Length; i++ {
		c := token[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
