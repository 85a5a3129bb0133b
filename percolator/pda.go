package percolator

import (
	"fmt"

	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

const (
	seedPool      = "pool"
	seedVaultAuth = "vault_auth"
	seedDeposit   = "stake_deposit"
)

// PoolAddress derives the stake pool attached to slab.
func PoolAddress(stakeProgram, slab solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(stakeProgram, "pool", []byte(seedPool), slab[:])
}

// VaultAuthority derives the signer that owns a pool's token vault.
func VaultAuthority(stakeProgram, pool solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(stakeProgram, "vault authority", []byte(seedVaultAuth), pool[:])
}

// DepositAddress derives user's deposit record in pool.
func DepositAddress(stakeProgram, pool, user solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(stakeProgram, "deposit", []byte(seedDeposit), pool[:], user[:])
}

func derive(program solana.PublicKey, what string, seeds ...[]byte) (solana.PublicKey, uint8, error) {
	pk, bump, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive %s address: %w", what, err)
	}
	return pk, bump, nil
}
