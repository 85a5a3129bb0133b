package tx

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/rpc"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// Ledger is the subset of the access layer the builder and sender read
// through. *rpc.Client satisfies it.
type Ledger interface {
	GetRecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) ([]uint64, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
	SimulateTransaction(ctx context.Context, raw []byte) (*rpc.SimulationResult, error)
	GetSignatureStatuses(ctx context.Context, sigs []string) ([]*rpc.SignatureStatus, error)
}

type BuilderOptions struct {
	// FeeFloor in micro-lamports per compute unit, used when no samples exist.
	FeeFloor            uint64
	FeePercentile       int
	DefaultComputeUnits uint32
	// ComputeMarginPct is added on top of simulated consumption.
	ComputeMarginPct uint64
}

func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		FeeFloor:            10_000,
		FeePercentile:       75,
		DefaultComputeUnits: 600_000,
		ComputeMarginPct:    10,
	}
}

// BuildOptions shape a single transaction.
type BuildOptions struct {
	// Fee pins the priority fee. Zero means estimate from recent samples.
	Fee uint64
	// KeeperMode sizes the compute-unit limit from a dry run.
	KeeperMode bool
	// Signers beyond the payer.
	Signers []ed25519.PrivateKey
}

// Builder assembles, budgets and signs transactions paid by one key.
type Builder struct {
	ledger Ledger
	payer  ed25519.PrivateKey
	opts   BuilderOptions
	logger *zap.SugaredLogger
}

func NewBuilder(ledger Ledger, payer ed25519.PrivateKey, opts BuilderOptions, logger *zap.SugaredLogger) *Builder {
	def := DefaultBuilderOptions()
	if opts.FeePercentile <= 0 || opts.FeePercentile > 100 {
		opts.FeePercentile = def.FeePercentile
	}
	if opts.DefaultComputeUnits == 0 {
		opts.DefaultComputeUnits = def.DefaultComputeUnits
	}
	if opts.ComputeMarginPct == 0 {
		opts.ComputeMarginPct = def.ComputeMarginPct
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Builder{ledger: ledger, payer: payer, opts: opts, logger: logger}
}

// Payer is the fee paying and signing key's address.
func (b *Builder) Payer() solana.PublicKey {
	return solana.PublicKeyOf(b.payer)
}

// Percentile returns the nearest-rank pth percentile of samples, or false
// when there are none.
func Percentile(samples []uint64, p int) (uint64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	sorted := append([]uint64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1], true
}

// EstimateFee derives the priority fee for transactions writing accounts.
// Failure to fetch samples is not an error; the floor is used instead.
func (b *Builder) EstimateFee(ctx context.Context, accounts []solana.PublicKey) uint64 {
	samples, err := b.ledger.GetRecentPrioritizationFees(ctx, accounts)
	if err != nil {
		b.logger.Warnw("Failed to fetch fee samples, using floor", "floor", b.opts.FeeFloor, "err", err)
		return b.opts.FeeFloor
	}
	fee, ok := Percentile(samples, b.opts.FeePercentile)
	if !ok {
		return b.opts.FeeFloor
	}
	return fee
}

// Build compiles ixs behind compute budget instructions, signs and size
// checks the result.
func (b *Builder) Build(ctx context.Context, ixs []solana.Instruction, opts BuildOptions) (*solana.Transaction, uint64, error) {
	if len(ixs) == 0 {
		return nil, 0, models.NewNonRetryable("build", fmt.Errorf("%w: no instructions", models.ErrInvalidInput))
	}
	fee := opts.Fee
	if fee == 0 {
		fee = b.EstimateFee(ctx, writableAccounts(ixs))
	}

	blockhash, _, err := b.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, 0, err
	}

	var units uint32
	if opts.KeeperMode {
		units = b.computeUnits(ctx, ixs, fee, blockhash, opts.Signers)
	}

	tx, err := b.assemble(ixs, fee, units, blockhash, opts.Signers)
	if err != nil {
		return nil, 0, err
	}
	return tx, fee, nil
}

func (b *Builder) assemble(ixs []solana.Instruction, fee uint64, units uint32, blockhash solana.Hash, signers []ed25519.PrivateKey) (*solana.Transaction, error) {
	all := make([]solana.Instruction, 0, len(ixs)+2)
	if units > 0 {
		all = append(all, solana.SetComputeUnitLimit(units))
	}
	all = append(all, solana.SetComputeUnitPrice(fee))
	all = append(all, ixs...)

	tx, err := solana.NewTransaction(b.payer, all, blockhash, signers...)
	if err != nil {
		return nil, models.NewNonRetryable("build", fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
	}
	if size := len(tx.Serialize()); size > solana.MaxTransactionSize {
		return nil, models.NewFatal("build", fmt.Errorf("%w: %d bytes exceeds %d", models.ErrTxTooLarge, size, solana.MaxTransactionSize))
	}
	return tx, nil
}

// computeUnits dry-runs the transaction at the maximum limit and returns
// consumed units plus the margin, or the default when the run fails.
func (b *Builder) computeUnits(ctx context.Context, ixs []solana.Instruction, fee uint64, blockhash solana.Hash, signers []ed25519.PrivateKey) uint32 {
	probe, err := b.assemble(ixs, fee, solana.MaxComputeUnits, blockhash, signers)
	if err != nil {
		// assemble fails the same way for the real build
		return b.opts.DefaultComputeUnits
	}
	sim, err := b.ledger.SimulateTransaction(ctx, probe.Serialize())
	if err != nil {
		b.logger.Warnw("Simulation failed, using default compute limit", "units", b.opts.DefaultComputeUnits, "err", err)
		return b.opts.DefaultComputeUnits
	}
	if sim.Failed() || sim.UnitsConsumed == 0 {
		b.logger.Warnw("Simulation unusable, using default compute limit",
			"units", b.opts.DefaultComputeUnits,
			"sim_err", string(sim.Err),
			"consumed", sim.UnitsConsumed)
		return b.opts.DefaultComputeUnits
	}
	units := sim.UnitsConsumed + (sim.UnitsConsumed*b.opts.ComputeMarginPct+99)/100
	if units > solana.MaxComputeUnits {
		units = solana.MaxComputeUnits
	}
	return uint32(units)
}

func writableAccounts(ixs []solana.Instruction) []solana.PublicKey {
	seen := make(map[solana.PublicKey]bool)
	var out []solana.PublicKey
	for _, ix := range ixs {
		for _, m := range ix.Accounts {
			if m.IsWritable && !seen[m.PublicKey] {
				seen[m.PublicKey] = true
				out = append(out, m.PublicKey)
			}
		}
	}
	return out
}
