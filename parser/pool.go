package parser

import (
	"fmt"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

const (
	PoolSize    = 352
	DepositSize = 88
)

// pool offsets
const (
	poolInitialized    = 0
	poolBump           = 1
	poolVaultAuthBump  = 2
	poolSlab           = 8
	poolAdmin          = 40
	poolCollateralMint = 72
	poolLpMint         = 104
	poolVault          = 136
	poolDeposited      = 168
	poolWithdrawn      = 176
	poolFlushed        = 184
	poolDepositCap     = 192
	poolCooldown       = 200
	poolLpSupply       = 208
	poolCreatedSlot    = 216

	hwmEnabled    = 224
	hwmVersion    = 225
	hwmMark       = 232
	hwmLastUpdate = 240
	hwmFloorBps   = 248

	trancheEnabled   = 272
	trancheVersion   = 273
	trancheSenior    = 280
	trancheJunior    = 288
	trancheSeniorFee = 296
	trancheJuniorFee = 298
)

// deposit record offsets
const (
	depInitialized = 0
	depBump        = 1
	depPool        = 8
	depUser        = 40
	depLpAmount    = 72
	depLastSlot    = 80
)

// HwmConfig is the high-water-mark protection block.
type HwmConfig struct {
	Version         uint8
	HighWaterMarkE6 uint64
	LastUpdateSlot  uint64
	FloorBps        uint16
}

// TrancheConfig splits pool balance into senior and junior claims.
type TrancheConfig struct {
	Version       uint8
	SeniorBalance uint64
	JuniorBalance uint64
	SeniorFeeBps  uint16
	JuniorFeeBps  uint16
}

// Pool is the LP staking pool attached to a market. Hwm and Tranche are nil
// when their block is disabled.
type Pool struct {
	Initialized        bool
	Bump               uint8
	VaultAuthorityBump uint8
	Slab               solana.PublicKey
	Admin              solana.PublicKey
	CollateralMint     solana.PublicKey
	LpMint             solana.PublicKey
	Vault              solana.PublicKey
	TotalDeposited     uint64
	TotalWithdrawn     uint64
	TotalFlushed       uint64
	DepositCap         uint64
	CooldownSlots      uint64
	LpSupply           uint64
	CreatedSlot        uint64
	Hwm                *HwmConfig
	Tranche            *TrancheConfig
}

// NetDeposited is what remains in the pool after withdrawals and flushes,
// floored at zero.
func (p *Pool) NetDeposited() uint64 {
	out := p.TotalWithdrawn + p.TotalFlushed
	if out >= p.TotalDeposited {
		return 0
	}
	return p.TotalDeposited - out
}

// blockEnabled decodes an optional block's tag byte. Only 0 and 1 are valid.
func blockEnabled(block string, tag uint8) (bool, error) {
	switch tag {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, models.NewNonRetryable("parse pool", fmt.Errorf("%w: %s block tag %d", models.ErrInvalidInput, block, tag))
	}
}

func ParsePool(data []byte) (*Pool, error) {
	if err := need("pool", data, PoolSize); err != nil {
		return nil, err
	}
	r := record(data)
	p := &Pool{
		Initialized:        r.u8(poolInitialized) != 0,
		Bump:               r.u8(poolBump),
		VaultAuthorityBump: r.u8(poolVaultAuthBump),
		Slab:               r.pubkey(poolSlab),
		Admin:              r.pubkey(poolAdmin),
		CollateralMint:     r.pubkey(poolCollateralMint),
		LpMint:             r.pubkey(poolLpMint),
		Vault:              r.pubkey(poolVault),
		TotalDeposited:     r.u64(poolDeposited),
		TotalWithdrawn:     r.u64(poolWithdrawn),
		TotalFlushed:       r.u64(poolFlushed),
		DepositCap:         r.u64(poolDepositCap),
		CooldownSlots:      r.u64(poolCooldown),
		LpSupply:           r.u64(poolLpSupply),
		CreatedSlot:        r.u64(poolCreatedSlot),
	}

	on, err := blockEnabled("hwm", r.u8(hwmEnabled))
	if err != nil {
		return nil, err
	}
	if on {
		p.Hwm = &HwmConfig{
			Version:         r.u8(hwmVersion),
			HighWaterMarkE6: r.u64(hwmMark),
			LastUpdateSlot:  r.u64(hwmLastUpdate),
			FloorBps:        r.u16(hwmFloorBps),
		}
	}

	on, err = blockEnabled("tranche", r.u8(trancheEnabled))
	if err != nil {
		return nil, err
	}
	if on {
		p.Tranche = &TrancheConfig{
			Version:       r.u8(trancheVersion),
			SeniorBalance: r.u64(trancheSenior),
			JuniorBalance: r.u64(trancheJunior),
			SeniorFeeBps:  r.u16(trancheSeniorFee),
			JuniorFeeBps:  r.u16(trancheJuniorFee),
		}
	}
	return p, nil
}

func EncodePool(p *Pool) []byte {
	buf := make([]byte, PoolSize)
	w := writer(buf)
	w.u8(poolInitialized, boolByte(p.Initialized))
	w.u8(poolBump, p.Bump)
	w.u8(poolVaultAuthBump, p.VaultAuthorityBump)
	w.pubkey(poolSlab, p.Slab)
	w.pubkey(poolAdmin, p.Admin)
	w.pubkey(poolCollateralMint, p.CollateralMint)
	w.pubkey(poolLpMint, p.LpMint)
	w.pubkey(poolVault, p.Vault)
	w.u64(poolDeposited, p.TotalDeposited)
	w.u64(poolWithdrawn, p.TotalWithdrawn)
	w.u64(poolFlushed, p.TotalFlushed)
	w.u64(poolDepositCap, p.DepositCap)
	w.u64(poolCooldown, p.CooldownSlots)
	w.u64(poolLpSupply, p.LpSupply)
	w.u64(poolCreatedSlot, p.CreatedSlot)
	if h := p.Hwm; h != nil {
		w.u8(hwmEnabled, 1)
		w.u8(hwmVersion, h.Version)
		w.u64(hwmMark, h.HighWaterMarkE6)
		w.u64(hwmLastUpdate, h.LastUpdateSlot)
		w.u16(hwmFloorBps, h.FloorBps)
	}
	if t := p.Tranche; t != nil {
		w.u8(trancheEnabled, 1)
		w.u8(trancheVersion, t.Version)
		w.u64(trancheSenior, t.SeniorBalance)
		w.u64(trancheJunior, t.JuniorBalance)
		w.u16(trancheSeniorFee, t.SeniorFeeBps)
		w.u16(trancheJuniorFee, t.JuniorFeeBps)
	}
	return buf
}

// Deposit is a user's stake in a pool.
type Deposit struct {
	Initialized     bool
	Bump            uint8
	Pool            solana.PublicKey
	User            solana.PublicKey
	LpAmount        uint64
	LastDepositSlot uint64
}

// CooldownElapsed reports whether a withdrawal is allowed at slot.
func (d *Deposit) CooldownElapsed(slot, cooldownSlots uint64) bool {
	return slot >= d.LastDepositSlot+cooldownSlots
}

func ParseDeposit(data []byte) (*Deposit, error) {
	if err := need("deposit", data, DepositSize); err != nil {
		return nil, err
	}
	r := record(data)
	return &Deposit{
		Initialized:     r.u8(depInitialized) != 0,
		Bump:            r.u8(depBump),
		Pool:            r.pubkey(depPool),
		User:            r.pubkey(depUser),
		LpAmount:        r.u64(depLpAmount),
		LastDepositSlot: r.u64(depLastSlot),
	}, nil
}

func EncodeDeposit(d *Deposit) []byte {
	buf := make([]byte, DepositSize)
	w := writer(buf)
	w.u8(depInitialized, boolByte(d.Initialized))
	w.u8(depBump, d.Bump)
	w.pubkey(depPool, d.Pool)
	w.pubkey(depUser, d.User)
	w.u64(depLpAmount, d.LpAmount)
	w.u64(depLastSlot, d.LastDepositSlot)
	return buf
}
