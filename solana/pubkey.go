// Package solana holds the small slice of the Solana wire format the keeper
// needs: addresses, program-derived addresses, legacy messages and signed
// transactions.
package solana

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
)

const PublicKeyLength = 32

// PublicKey is a 32-byte ed25519 public key or program-derived address.
type PublicKey [PublicKeyLength]byte

// Hash is a 32-byte blockhash.
type Hash [32]byte

var (
	SystemProgramID        = MustPublicKey("11111111111111111111111111111111")
	TokenProgramID         = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	ComputeBudgetProgramID = MustPublicKey("ComputeBudget111111111111111111111111111111")
	SysvarClockID          = MustPublicKey("SysvarC1ock11111111111111111111111111111111")
	SysvarRentID           = MustPublicKey("SysvarRent111111111111111111111111111111111")
)

// PublicKeyFromBase58 parses an address. A malformed address is a
// non-retryable input error.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, models.NewNonRetryable("parse address", fmt.Errorf("%w: %q: %v", models.ErrInvalidInput, s, err))
	}
	if len(b) != PublicKeyLength {
		return pk, models.NewNonRetryable("parse address", fmt.Errorf("%w: %q decodes to %d bytes", models.ErrInvalidInput, s, len(b)))
	}
	copy(pk[:], b)
	return pk, nil
}

// MustPublicKey parses a compile-time constant address.
func MustPublicKey(s string) PublicKey {
	pk, err := PublicKeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies the first 32 bytes of b.
func PublicKeyFromBytes(b []byte) PublicKey {
	var pk PublicKey
	copy(pk[:], b)
	return pk
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) Equals(other PublicKey) bool {
	return bytes.Equal(pk[:], other[:])
}

func (h Hash) String() string {
	return base58.Encode(h[:])
}

// HashFromBase58 parses a blockhash.
func HashFromBase58(s string) (Hash, error) {
	pk, err := PublicKeyFromBase58(s)
	return Hash(pk), err
}
