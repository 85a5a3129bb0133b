// Package liquidation recomputes account health from slab snapshots and
// force-closes under-collateralized positions.
package liquidation

import (
	"math"
	"math/big"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/parser"
)

const (
	priceScale     = 1_000_000
	bpsDenominator = 10_000
)

var (
	bigMaxInt64         = big.NewInt(math.MaxInt64)
	bigMinInt64         = big.NewInt(math.MinInt64)
	bigMaintenanceScale = big.NewInt(priceScale * bpsDenominator)
)

// MarkPnl returns the mark-to-market PnL of a position of size (positive
// long, negative short) entered at entryE6 and marked at oracleE6:
// (oracle - entry) * |size| / oracle for a long, negated for a short.
// Intermediate products are exact; the result truncates toward zero and
// saturates at the int64 range.
func MarkPnl(size int64, entryE6, oracleE6 uint64) int64 {
	if size == 0 || oracleE6 == 0 {
		return 0
	}
	diff := new(big.Int).Sub(new(big.Int).SetUint64(oracleE6), new(big.Int).SetUint64(entryE6))
	abs := new(big.Int).Abs(big.NewInt(size))
	pnl := diff.Mul(diff, abs)
	pnl.Quo(pnl, new(big.Int).SetUint64(oracleE6))
	if size < 0 {
		pnl.Neg(pnl)
	}
	return saturate(pnl)
}

// Maintenance returns the requirement on a position's notional:
// |size| * oracleE6 / 1e6 * maintenanceBps / 10000, truncated once at the end.
func Maintenance(size int64, oracleE6, maintenanceBps uint64) uint64 {
	abs := new(big.Int).Abs(big.NewInt(size))
	req := abs.Mul(abs, new(big.Int).SetUint64(oracleE6))
	req.Mul(req, new(big.Int).SetUint64(maintenanceBps))
	req.Quo(req, bigMaintenanceScale)
	if !req.IsUint64() {
		return math.MaxUint64
	}
	return req.Uint64()
}

// Evaluate marks acct at oracleE6. An account is liquidatable when it holds a
// position and capital + mark pnl falls below the maintenance requirement.
func Evaluate(acct parser.SlabAccount, oracleE6, maintenanceBps uint64) models.AccountHealth {
	pnl := MarkPnl(acct.PositionSize, acct.EntryPriceE6, oracleE6)
	equity := new(big.Int).Add(new(big.Int).SetUint64(acct.Capital), big.NewInt(pnl))
	maint := Maintenance(acct.PositionSize, oracleE6, maintenanceBps)
	return models.AccountHealth{
		Index:         acct.Index,
		Owner:         acct.Owner.String(),
		PositionSize:  acct.PositionSize,
		EntryPriceE6:  acct.EntryPriceE6,
		Capital:       acct.Capital,
		PnL:           pnl,
		Equity:        saturate(equity),
		Maintenance:   maint,
		Liquidatable:  acct.HasPosition() && equity.Cmp(new(big.Int).SetUint64(maint)) < 0,
		OraclePriceE6: oracleE6,
	}
}

func saturate(v *big.Int) int64 {
	switch {
	case v.Cmp(bigMaxInt64) > 0:
		return math.MaxInt64
	case v.Cmp(bigMinInt64) < 0:
		return math.MinInt64
	default:
		return v.Int64()
	}
}
