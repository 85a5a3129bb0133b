package parser

import (
	"bytes"
	"fmt"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// SlabMagic prefixes every market slab account.
const SlabMagic = "PERCSLAB"

const (
	SlabHeaderSize  = 256
	SlabAccountSize = 96
)

// slab header offsets
const (
	offVersion              = 8
	offBump                 = 12
	offOracleMode           = 13
	offAdmin                = 16
	offCollateralMint       = 48
	offVault                = 80
	offOracle               = 112
	offOracleAuthority      = 144
	offMaintenanceMarginBps = 176
	offInitialMarginBps     = 184
	offAuthorityPrice       = 192
	offAuthorityTimestamp   = 200
	offLastEffectivePrice   = 208
	offLastCrankSlot        = 216
	offLastTradeSlot        = 224
	offOpenInterest         = 232
	offInsuranceBalance     = 240
	offNumUsed              = 248
	offMaxAccounts          = 250
)

// slab account offsets, relative to the account's start
const (
	accKind         = 0
	accOwner        = 8
	accCapital      = 40
	accRealizedPnl  = 48
	accPosition     = 56
	accEntryPrice   = 64
	accFundingIndex = 72
	accFeeCredits   = 80
	accLastSlot     = 88
)

type AccountKind uint8

const (
	AccountFree AccountKind = iota
	AccountUser
	AccountLP
)

func (k AccountKind) String() string {
	switch k {
	case AccountFree:
		return "free"
	case AccountUser:
		return "user"
	case AccountLP:
		return "lp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SlabHeader is the market configuration and state block.
type SlabHeader struct {
	Version              uint32
	Bump                 uint8
	OracleMode           models.OracleMode
	Admin                solana.PublicKey
	CollateralMint       solana.PublicKey
	Vault                solana.PublicKey
	Oracle               solana.PublicKey
	OracleAuthority      solana.PublicKey
	MaintenanceMarginBps uint64
	InitialMarginBps     uint64
	AuthorityPriceE6     uint64
	AuthorityTimestamp   int64
	LastEffectivePriceE6 uint64
	LastCrankSlot        uint64
	LastTradeSlot        uint64
	OpenInterest         uint64
	InsuranceBalance     uint64
	NumUsed              uint16
	MaxAccounts          uint16
}

// SlabAccount is one trader or LP slot inside a slab.
type SlabAccount struct {
	Index        uint16
	Kind         AccountKind
	Owner        solana.PublicKey
	Capital      uint64
	RealizedPnl  int64
	PositionSize int64
	EntryPriceE6 uint64
	FundingIndex int64
	FeeCredits   int64
	LastSlot     uint64
}

// HasPosition reports whether the account carries open exposure.
func (a SlabAccount) HasPosition() bool {
	return a.PositionSize != 0
}

// Slab is a decoded market account. Accounts holds occupied slots only.
type Slab struct {
	SlabHeader
	Accounts []SlabAccount
}

// IsSlab checks the magic prefix only.
func IsSlab(data []byte) bool {
	return len(data) >= len(SlabMagic) && bytes.Equal(data[:len(SlabMagic)], []byte(SlabMagic))
}

func ParseSlabHeader(data []byte) (*SlabHeader, error) {
	if err := need("slab", data, SlabHeaderSize); err != nil {
		return nil, err
	}
	if !IsSlab(data) {
		return nil, models.NewNonRetryable("parse slab", fmt.Errorf("%w: bad magic %q", models.ErrInvalidInput, data[:len(SlabMagic)]))
	}
	r := record(data)
	return &SlabHeader{
		Version:              r.u32(offVersion),
		Bump:                 r.u8(offBump),
		OracleMode:           models.OracleMode(r.u8(offOracleMode)),
		Admin:                r.pubkey(offAdmin),
		CollateralMint:       r.pubkey(offCollateralMint),
		Vault:                r.pubkey(offVault),
		Oracle:               r.pubkey(offOracle),
		OracleAuthority:      r.pubkey(offOracleAuthority),
		MaintenanceMarginBps: r.u64(offMaintenanceMarginBps),
		InitialMarginBps:     r.u64(offInitialMarginBps),
		AuthorityPriceE6:     r.u64(offAuthorityPrice),
		AuthorityTimestamp:   r.i64(offAuthorityTimestamp),
		LastEffectivePriceE6: r.u64(offLastEffectivePrice),
		LastCrankSlot:        r.u64(offLastCrankSlot),
		LastTradeSlot:        r.u64(offLastTradeSlot),
		OpenInterest:         r.u64(offOpenInterest),
		InsuranceBalance:     r.u64(offInsuranceBalance),
		NumUsed:              r.u16(offNumUsed),
		MaxAccounts:          r.u16(offMaxAccounts),
	}, nil
}

// ParseSlab decodes the header and every occupied account. A buffer shorter
// than the declared account table is rejected rather than partially read.
func ParseSlab(data []byte) (*Slab, error) {
	h, err := ParseSlabHeader(data)
	if err != nil {
		return nil, err
	}
	if err := need("slab", data, SlabHeaderSize+int(h.MaxAccounts)*SlabAccountSize); err != nil {
		return nil, err
	}

	s := &Slab{SlabHeader: *h, Accounts: make([]SlabAccount, 0, h.NumUsed)}
	for i := 0; i < int(h.MaxAccounts); i++ {
		start := SlabHeaderSize + i*SlabAccountSize
		r := record(data[start : start+SlabAccountSize])
		kind := AccountKind(r.u8(accKind))
		if kind == AccountFree {
			continue
		}
		s.Accounts = append(s.Accounts, SlabAccount{
			Index:        uint16(i),
			Kind:         kind,
			Owner:        r.pubkey(accOwner),
			Capital:      r.u64(accCapital),
			RealizedPnl:  r.i64(accRealizedPnl),
			PositionSize: r.i64(accPosition),
			EntryPriceE6: r.u64(accEntryPrice),
			FundingIndex: r.i64(accFundingIndex),
			FeeCredits:   r.i64(accFeeCredits),
			LastSlot:     r.u64(accLastSlot),
		})
	}
	return s, nil
}

// EncodeSlab lays out h and accounts in the slab format. Accounts are placed
// at their Index; MaxAccounts sizes the table.
func EncodeSlab(h SlabHeader, accounts []SlabAccount) []byte {
	buf := make([]byte, SlabHeaderSize+int(h.MaxAccounts)*SlabAccountSize)
	copy(buf, SlabMagic)
	w := writer(buf)
	w.u32(offVersion, h.Version)
	w.u8(offBump, h.Bump)
	w.u8(offOracleMode, uint8(h.OracleMode))
	w.pubkey(offAdmin, h.Admin)
	w.pubkey(offCollateralMint, h.CollateralMint)
	w.pubkey(offVault, h.Vault)
	w.pubkey(offOracle, h.Oracle)
	w.pubkey(offOracleAuthority, h.OracleAuthority)
	w.u64(offMaintenanceMarginBps, h.MaintenanceMarginBps)
	w.u64(offInitialMarginBps, h.InitialMarginBps)
	w.u64(offAuthorityPrice, h.AuthorityPriceE6)
	w.i64(offAuthorityTimestamp, h.AuthorityTimestamp)
	w.u64(offLastEffectivePrice, h.LastEffectivePriceE6)
	w.u64(offLastCrankSlot, h.LastCrankSlot)
	w.u64(offLastTradeSlot, h.LastTradeSlot)
	w.u64(offOpenInterest, h.OpenInterest)
	w.u64(offInsuranceBalance, h.InsuranceBalance)
	w.u16(offNumUsed, uint16(len(accounts)))
	w.u16(offMaxAccounts, h.MaxAccounts)

	for _, a := range accounts {
		if a.Index >= h.MaxAccounts {
			continue
		}
		start := SlabHeaderSize + int(a.Index)*SlabAccountSize
		aw := writer(buf[start : start+SlabAccountSize])
		aw.u8(accKind, uint8(a.Kind))
		aw.pubkey(accOwner, a.Owner)
		aw.u64(accCapital, a.Capital)
		aw.i64(accRealizedPnl, a.RealizedPnl)
		aw.i64(accPosition, a.PositionSize)
		aw.u64(accEntryPrice, a.EntryPriceE6)
		aw.i64(accFundingIndex, a.FundingIndex)
		aw.i64(accFeeCredits, a.FeeCredits)
		aw.u64(accLastSlot, a.LastSlot)
	}
	return buf
}
