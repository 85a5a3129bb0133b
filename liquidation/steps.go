package liquidation

import (
	"context"
	"fmt"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/oracle"
	"github.com/PhotizoAi/percolator-launch-sub002/percolator"
	"github.com/PhotizoAi/percolator-launch-sub002/registry"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
	"github.com/PhotizoAi/percolator-launch-sub002/tx"
)

// Sender lands instructions on the ledger.
type Sender interface {
	SendWithRetry(ctx context.Context, ixs []solana.Instruction, opts tx.BuildOptions) (*tx.Result, error)
}

// LedgerSteps implements Steps with the oracle service, the cranker and a
// direct liquidation send.
type LedgerSteps struct {
	oracle  *oracle.Service
	cranker *registry.Cranker
	sender  Sender
	caller  solana.PublicKey
}

func NewLedgerSteps(o *oracle.Service, c *registry.Cranker, sender Sender, caller solana.PublicKey) *LedgerSteps {
	return &LedgerSteps{oracle: o, cranker: c, sender: sender, caller: caller}
}

// PushPrice refreshes an authority-priced market. Markets with a native feed
// need nothing.
func (l *LedgerSteps) PushPrice(ctx context.Context, rec models.MarketRecord, fee uint64) error {
	if rec.OracleMode != models.OracleAuthority {
		return nil
	}
	if l.oracle == nil {
		return models.NewNonRetryable("push "+rec.Address, fmt.Errorf("%w: no price service", models.ErrUnsupportedAsset))
	}
	m, ok := l.oracle.Market(rec.Address)
	if !ok {
		return models.NewNonRetryable("push "+rec.Address, fmt.Errorf("%w: no price mapping for market", models.ErrUnsupportedAsset))
	}
	_, _, err := l.oracle.PushNow(ctx, m, fee)
	return err
}

func (l *LedgerSteps) Crank(ctx context.Context, rec models.MarketRecord, fee uint64) error {
	_, err := l.cranker.Crank(ctx, rec, fee)
	return err
}

func (l *LedgerSteps) Liquidate(ctx context.Context, rec models.MarketRecord, index uint16, fee uint64) (*tx.Result, error) {
	ix, err := liquidateInstruction(rec, l.caller, index)
	if err != nil {
		return nil, err
	}
	return l.sender.SendWithRetry(ctx, []solana.Instruction{ix}, tx.BuildOptions{Fee: fee, KeeperMode: true})
}

func liquidateInstruction(rec models.MarketRecord, caller solana.PublicKey, index uint16) (solana.Instruction, error) {
	op := "liquidate " + rec.Address
	program, err := solana.PublicKeyFromBase58(rec.Program)
	if err != nil {
		return solana.Instruction{}, models.NewNonRetryable(op, err)
	}
	slab, err := solana.PublicKeyFromBase58(rec.Address)
	if err != nil {
		return solana.Instruction{}, models.NewNonRetryable(op, err)
	}
	var oracleKey solana.PublicKey
	if rec.Oracle != "" {
		if oracleKey, err = solana.PublicKeyFromBase58(rec.Oracle); err != nil {
			return solana.Instruction{}, models.NewNonRetryable(op, err)
		}
	}
	return percolator.LiquidateAtOracle(program, caller, slab, oracleKey, index), nil
}
