// Package percolator encodes instructions for the perp market and LP stake
// programs and derives their program addresses.
package percolator

import (
	"encoding/binary"

	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// market program instruction tags
const (
	TagKeeperCrank       uint8 = 5
	TagLiquidateAtOracle uint8 = 7
	TagPushOraclePrice   uint8 = 17
)

// PermissionlessCaller is the caller index a keeper passes when it does not
// hold an account in the slab.
const PermissionlessCaller uint16 = 0xFFFF

// KeeperCrank settles funding and pending state of a market. Accounts:
// [caller signer, slab writable, clock sysvar, oracle].
func KeeperCrank(program, caller, slab, oracle solana.PublicKey, allowPanic bool) solana.Instruction {
	data := make([]byte, 4)
	data[0] = TagKeeperCrank
	binary.LittleEndian.PutUint16(data[1:], PermissionlessCaller)
	if allowPanic {
		data[3] = 1
	}
	return solana.Instruction{
		ProgramID: program,
		Accounts:  keeperAccounts(caller, slab, oracle),
		Data:      data,
	}
}

// LiquidateAtOracle closes the account at targetIdx against the market's
// effective oracle price. Accounts match KeeperCrank.
func LiquidateAtOracle(program, caller, slab, oracle solana.PublicKey, targetIdx uint16) solana.Instruction {
	data := make([]byte, 3)
	data[0] = TagLiquidateAtOracle
	binary.LittleEndian.PutUint16(data[1:], targetIdx)
	return solana.Instruction{
		ProgramID: program,
		Accounts:  keeperAccounts(caller, slab, oracle),
		Data:      data,
	}
}

// PushOraclePrice attests an externally observed price. Accounts:
// [authority signer, slab writable].
func PushOraclePrice(program, authority, slab solana.PublicKey, priceE6 uint64, timestamp int64) solana.Instruction {
	data := make([]byte, 17)
	data[0] = TagPushOraclePrice
	binary.LittleEndian.PutUint64(data[1:], priceE6)
	binary.LittleEndian.PutUint64(data[9:], uint64(timestamp))
	return solana.Instruction{
		ProgramID: program,
		Accounts: []solana.AccountMeta{
			solana.Meta(authority, true, false),
			solana.Meta(slab, false, true),
		},
		Data: data,
	}
}

func keeperAccounts(caller, slab, oracle solana.PublicKey) []solana.AccountMeta {
	return []solana.AccountMeta{
		solana.Meta(caller, true, false),
		solana.Meta(slab, false, true),
		solana.Meta(solana.SysvarClockID, false, false),
		solana.Meta(oracle, false, false),
	}
}
