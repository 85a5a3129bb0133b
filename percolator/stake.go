package percolator

import (
	"encoding/binary"
	"fmt"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// stake program instruction tags
const (
	TagDeposit          uint8 = 1
	TagWithdraw         uint8 = 2
	TagFlushToInsurance uint8 = 3
	TagUpdateConfig     uint8 = 4
	TagTransferAdmin    uint8 = 5
	TagSetHwmConfig     uint8 = 6
	TagSetTrancheConfig uint8 = 7
)

const maxBps = 10_000

// StakeAccounts are the addresses a user-side stake instruction touches.
// Derived fields are filled by Resolve.
type StakeAccounts struct {
	Program        solana.PublicKey
	Slab           solana.PublicKey
	User           solana.PublicKey
	UserCollateral solana.PublicKey
	UserLp         solana.PublicKey
	Vault          solana.PublicKey
	LpMint         solana.PublicKey

	Pool           solana.PublicKey
	VaultAuthority solana.PublicKey
	Deposit        solana.PublicKey
}

// Resolve derives the pool, vault authority and deposit addresses.
func (a *StakeAccounts) Resolve() error {
	var err error
	if a.Pool, _, err = PoolAddress(a.Program, a.Slab); err != nil {
		return err
	}
	if a.VaultAuthority, _, err = VaultAuthority(a.Program, a.Pool); err != nil {
		return err
	}
	if !a.User.IsZero() {
		if a.Deposit, _, err = DepositAddress(a.Program, a.Pool, a.User); err != nil {
			return err
		}
	}
	return nil
}

func invalid(op, format string, args ...interface{}) error {
	return models.NewNonRetryable(op, fmt.Errorf("%w: "+format, append([]interface{}{models.ErrInvalidInput}, args...)...))
}

func amountData(tag uint8, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}

// Deposit moves collateral into the pool and mints LP. Accounts:
// [user s, pool w, user collateral w, vault w, lp mint w, user lp w,
// deposit w, vault authority, token program, system program].
func Deposit(a StakeAccounts, amount uint64) (solana.Instruction, error) {
	if amount == 0 {
		return solana.Instruction{}, invalid("deposit", "amount must be positive")
	}
	return solana.Instruction{
		ProgramID: a.Program,
		Accounts: []solana.AccountMeta{
			solana.Meta(a.User, true, false),
			solana.Meta(a.Pool, false, true),
			solana.Meta(a.UserCollateral, false, true),
			solana.Meta(a.Vault, false, true),
			solana.Meta(a.LpMint, false, true),
			solana.Meta(a.UserLp, false, true),
			solana.Meta(a.Deposit, false, true),
			solana.Meta(a.VaultAuthority, false, false),
			solana.Meta(solana.TokenProgramID, false, false),
			solana.Meta(solana.SystemProgramID, false, false),
		},
		Data: amountData(TagDeposit, amount),
	}, nil
}

// Withdraw burns lp and returns collateral. Accounts match Deposit without
// the system program.
func Withdraw(a StakeAccounts, lp uint64) (solana.Instruction, error) {
	if lp == 0 {
		return solana.Instruction{}, invalid("withdraw", "lp amount must be positive")
	}
	return solana.Instruction{
		ProgramID: a.Program,
		Accounts: []solana.AccountMeta{
			solana.Meta(a.User, true, false),
			solana.Meta(a.Pool, false, true),
			solana.Meta(a.UserCollateral, false, true),
			solana.Meta(a.Vault, false, true),
			solana.Meta(a.LpMint, false, true),
			solana.Meta(a.UserLp, false, true),
			solana.Meta(a.Deposit, false, true),
			solana.Meta(a.VaultAuthority, false, false),
			solana.Meta(solana.TokenProgramID, false, false),
		},
		Data: amountData(TagWithdraw, lp),
	}, nil
}

// FlushAccounts are the addresses FlushToInsurance touches.
type FlushAccounts struct {
	Program        solana.PublicKey
	Admin          solana.PublicKey
	Pool           solana.PublicKey
	Vault          solana.PublicKey
	VaultAuthority solana.PublicKey
	Slab           solana.PublicKey
	MarketVault    solana.PublicKey
	MarketProgram  solana.PublicKey
}

// FlushToInsurance moves pool collateral into the market's insurance fund.
// Accounts: [admin s, pool w, vault w, vault authority, slab w, market vault w,
// market program, token program].
func FlushToInsurance(a FlushAccounts, amount uint64) (solana.Instruction, error) {
	if amount == 0 {
		return solana.Instruction{}, invalid("flush", "amount must be positive")
	}
	return solana.Instruction{
		ProgramID: a.Program,
		Accounts: []solana.AccountMeta{
			solana.Meta(a.Admin, true, false),
			solana.Meta(a.Pool, false, true),
			solana.Meta(a.Vault, false, true),
			solana.Meta(a.VaultAuthority, false, false),
			solana.Meta(a.Slab, false, true),
			solana.Meta(a.MarketVault, false, true),
			solana.Meta(a.MarketProgram, false, false),
			solana.Meta(solana.TokenProgramID, false, false),
		},
		Data: amountData(TagFlushToInsurance, amount),
	}, nil
}

func adminInstruction(program, admin, pool solana.PublicKey, data []byte) solana.Instruction {
	return solana.Instruction{
		ProgramID: program,
		Accounts: []solana.AccountMeta{
			solana.Meta(admin, true, false),
			solana.Meta(pool, false, true),
		},
		Data: data,
	}
}

// UpdateConfig sets cooldown and deposit cap. Accounts: [admin s, pool w].
func UpdateConfig(program, admin, pool solana.PublicKey, cooldownSlots, depositCap uint64) solana.Instruction {
	data := make([]byte, 17)
	data[0] = TagUpdateConfig
	binary.LittleEndian.PutUint64(data[1:], cooldownSlots)
	binary.LittleEndian.PutUint64(data[9:], depositCap)
	return adminInstruction(program, admin, pool, data)
}

func TransferAdmin(program, admin, pool, newAdmin solana.PublicKey) (solana.Instruction, error) {
	if newAdmin.IsZero() {
		return solana.Instruction{}, invalid("transfer admin", "new admin is the zero key")
	}
	data := make([]byte, 1+solana.PublicKeyLength)
	data[0] = TagTransferAdmin
	copy(data[1:], newAdmin[:])
	return adminInstruction(program, admin, pool, data), nil
}

func SetHwmConfig(program, admin, pool solana.PublicKey, enabled bool, floorBps uint16) (solana.Instruction, error) {
	if floorBps > maxBps {
		return solana.Instruction{}, invalid("set hwm config", "floor %d bps above %d", floorBps, maxBps)
	}
	data := make([]byte, 4)
	data[0] = TagSetHwmConfig
	if enabled {
		data[1] = 1
	}
	binary.LittleEndian.PutUint16(data[2:], floorBps)
	return adminInstruction(program, admin, pool, data), nil
}

func SetTrancheConfig(program, admin, pool solana.PublicKey, enabled bool, seniorFeeBps, juniorFeeBps uint16) (solana.Instruction, error) {
	if seniorFeeBps > maxBps || juniorFeeBps > maxBps {
		return solana.Instruction{}, invalid("set tranche config", "fee above %d bps", maxBps)
	}
	data := make([]byte, 6)
	data[0] = TagSetTrancheConfig
	if enabled {
		data[1] = 1
	}
	binary.LittleEndian.PutUint16(data[2:], seniorFeeBps)
	binary.LittleEndian.PutUint16(data[4:], juniorFeeBps)
	return adminInstruction(program, admin, pool, data), nil
}
