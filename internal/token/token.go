// Package token mints human-readable prescription tokens and opaque ledger tokens.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const (
	// UIPrefix starts every human-readable token
	UIPrefix = "RX-"
	// UILength is the number of random characters after the prefix
	UILength = 8
	// LedgerTokenBytes is the width of a ledger token
	LedgerTokenBytes = 32

	// MaxAttempts bounds how often a colliding token is re-minted
	MaxAttempts = 16

	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// ErrTokenSpaceExhausted is returned when no free UI token was found
var ErrTokenSpaceExhausted = errors.New("could not mint an unused prescription token")

// ExistsFunc reports whether a UI token is already issued
type ExistsFunc func(ctx context.Context, uiToken string) (bool, error)

// Generator mints tokens from a random source
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewGeneratorFrom returns a generator reading randomness from r
func NewGeneratorFrom(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// UIToken returns RX- followed by 8 characters drawn uniformly from [0-9A-Z]
func (g *Generator) UIToken() (string, error) {
	buf := make([]byte, 0, len(UIPrefix)+UILength)
	buf = append(buf, UIPrefix...)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < UILength; i++ {
		n, err := rand.Int(g.rand, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf = append(buf, alphabet[n.Int64()])
	}
	return string(buf), nil
}

// MintUIToken returns a UI token that exists reports as unused
func (g *Generator) MintUIToken(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		tok, err := g.UIToken()
		if err != nil {
			return "", err
		}
		if exists == nil {
			return tok, nil
		}
		taken, err := exists(ctx, tok)
		if err != nil {
			return "", fmt.Errorf("check token: %w", err)
		}
		if !taken {
			return tok, nil
		}
	}
	return "", ErrTokenSpaceExhausted
}

// MintLedgerToken returns 32 random bytes as 0x-prefixed hex
func (g *Generator) MintLedgerToken() (string, error) {
	b := make([]byte, LedgerTokenBytes)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return "0x" + hex.EncodeToString(b), nil
}

// IsUIToken reports whether s has the RX-XXXXXXXX shape
func IsUIToken(s string) bool {
	if len(s) != len(UIPrefix)+UILength || s[:len(UIPrefix)] != UIPrefix {
		return false
	}
	for i := len(UIPrefix); i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// ParseLedgerToken decodes a 0x-prefixed 32-byte hex token
func ParseLedgerToken(s string) ([LedgerTokenBytes]byte, error) {
	var out [LedgerTokenBytes]byte
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("decode ledger token: %w", err)
	}
	if len(b) != LedgerTokenBytes {
		return out, fmt.Errorf("ledger token must be %d bytes, got %d", LedgerTokenBytes, len(b))
	}
	copy(out[:], b)
	return out, nil
}
