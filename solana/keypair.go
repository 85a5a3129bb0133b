package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"
)

// LoadKeypair accepts either a path to a Solana CLI keypair file (JSON array
// of 64 bytes), an inline JSON array, or a base58 encoded secret key.
func LoadKeypair(value string) (ed25519.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty keypair")
	}
	if strings.HasPrefix(value, "[") {
		return parseKeypairJSON([]byte(value))
	}
	if _, err := os.Stat(value); err == nil {
		raw, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read keypair file: %w", err)
		}
		return parseKeypairJSON(raw)
	}
	b, err := base58.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("keypair is neither a file nor base58: %w", err)
	}
	return keyFromBytes(b)
}

func parseKeypairJSON(raw []byte) (ed25519.PrivateKey, error) {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("failed to decode keypair json: %w", err)
	}
	b := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair byte %d out of range", i)
		}
		b[i] = byte(v)
	}
	return keyFromBytes(b)
}

func keyFromBytes(b []byte) (ed25519.PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	key := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
	if !bytes.Equal(key[32:], b[32:]) {
		return nil, fmt.Errorf("keypair public half does not match secret")
	}
	return key, nil
}

// PublicKeyOf returns the address of a signing key.
func PublicKeyOf(key ed25519.PrivateKey) PublicKey {
	return PublicKeyFromBytes(key.Public().(ed25519.PublicKey))
}
