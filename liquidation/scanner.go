package liquidation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
	"github.com/PhotizoAi/percolator-launch-sub002/middleware"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/monitoring"
	"github.com/PhotizoAi/percolator-launch-sub002/parser"
	"github.com/PhotizoAi/percolator-launch-sub002/rpc"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
	"github.com/PhotizoAi/percolator-launch-sub002/tx"
)

// Op is the monitor operation name for liquidation scans.
const Op = "liquidation_scan"

// Steps are the three ledger writes of a liquidation run, executed in order
// with one shared fee.
type Steps interface {
	PushPrice(ctx context.Context, rec models.MarketRecord, fee uint64) error
	Crank(ctx context.Context, rec models.MarketRecord, fee uint64) error
	Liquidate(ctx context.Context, rec models.MarketRecord, index uint16, fee uint64) (*tx.Result, error)
}

// SlabReader reads market slabs through the access layer.
type SlabReader interface {
	GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*rpc.AccountInfo, error)
	Invalidate(addr solana.PublicKey)
}

// FeeEstimator prices the run once.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, accounts []solana.PublicKey) uint64
}

// Markets lists the markets to scan.
type Markets interface {
	List() []models.MarketRecord
}

type Scanner struct {
	markets Markets
	reader  SlabReader
	fees    FeeEstimator
	steps   Steps
	timeout time.Duration

	bus     *events.Bus
	monitor *monitoring.Monitor
	metrics *metrics.Metrics
	guard   *middleware.Guard
	logger  *zap.SugaredLogger
}

type ScannerConfig struct {
	Markets Markets
	Reader  SlabReader
	Fees    FeeEstimator
	Steps   Steps
	// Timeout bounds one market's scan plus its liquidation run.
	Timeout time.Duration
	Bus     *events.Bus
	Monitor *monitoring.Monitor
	Metrics *metrics.Metrics
	Guard   *middleware.Guard
	Logger  *zap.SugaredLogger
}

func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Guard == nil {
		cfg.Guard = middleware.NewGuard(cfg.Logger, nil)
	}
	cfg.Monitor.Watch(Op)
	return &Scanner{
		markets: cfg.Markets,
		reader:  cfg.Reader,
		fees:    cfg.Fees,
		steps:   cfg.Steps,
		timeout: cfg.Timeout,
		bus:     cfg.Bus,
		monitor: cfg.Monitor,
		metrics: cfg.Metrics,
		guard:   cfg.Guard,
		logger:  cfg.Logger,
	}
}

// oraclePrice is the price the program marks positions at.
func oraclePrice(h parser.SlabHeader) uint64 {
	if h.LastEffectivePriceE6 != 0 {
		return h.LastEffectivePriceE6
	}
	return h.AuthorityPriceE6
}

// Scan reads a fresh slab snapshot of rec and returns the health of every
// account holding a position.
func (s *Scanner) Scan(ctx context.Context, rec models.MarketRecord) ([]models.AccountHealth, error) {
	addr, err := solana.PublicKeyFromBase58(rec.Address)
	if err != nil {
		return nil, models.NewNonRetryable("scan "+rec.Address, err)
	}
	s.reader.Invalidate(addr)
	info, err := s.reader.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read slab %s: %w", rec.Address, err)
	}
	slab, err := parser.ParseSlab(info.Data)
	if err != nil {
		return nil, err
	}
	price := oraclePrice(slab.SlabHeader)
	if price == 0 {
		s.logger.Debugw("Market has no price yet", "market", rec.Address)
		return nil, nil
	}

	var out []models.AccountHealth
	for _, acct := range slab.Accounts {
		if !acct.HasPosition() {
			continue
		}
		out = append(out, Evaluate(acct, price, slab.MaintenanceMarginBps))
	}
	s.metrics.AccountsScanned(len(slab.Accounts))
	return out, nil
}

// Execute runs push, crank, then one liquidation per target, all at the same
// fee. A failed push or crank aborts the run before anything is liquidated.
// Returns the number of accounts liquidated.
func (s *Scanner) Execute(ctx context.Context, rec models.MarketRecord, targets []models.AccountHealth) (int, error) {
	runID := uuid.New().String()
	accounts := []solana.PublicKey{}
	if pk, err := solana.PublicKeyFromBase58(rec.Address); err == nil {
		accounts = append(accounts, pk)
	}
	fee := s.fees.EstimateFee(ctx, accounts)
	log := s.logger.With("market", rec.Address, "run_id", runID, "fee", fee)

	abort := func(stage string, err error) (int, error) {
		s.metrics.Liquidation("aborted")
		log.Warnw("Liquidation run aborted", "stage", stage, "targets", len(targets), "err", err)
		s.bus.Emit(events.LiquidationAborted, rec.Address, map[string]interface{}{
			"run_id":  runID,
			"stage":   stage,
			"targets": len(targets),
			"error":   err.Error(),
		})
		return 0, fmt.Errorf("liquidation of %s aborted at %s: %w", rec.Address, stage, err)
	}

	if err := s.steps.PushPrice(ctx, rec, fee); err != nil {
		return abort("push", err)
	}
	if err := s.steps.Crank(ctx, rec, fee); err != nil {
		return abort("crank", err)
	}

	var (
		done    int
		lastErr error
	)
	for _, h := range targets {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		res, err := s.steps.Liquidate(ctx, rec, h.Index, fee)
		if err != nil {
			lastErr = err
			s.metrics.Liquidation("failed")
			log.Warnw("Liquidation failed", "index", h.Index, "owner", h.Owner, "err", err)
			s.bus.Emit(events.LiquidationAborted, rec.Address, map[string]interface{}{
				"run_id": runID,
				"stage":  "liquidate",
				"index":  h.Index,
				"owner":  h.Owner,
				"error":  err.Error(),
			})
			continue
		}
		done++
		s.metrics.Liquidation("executed")
		log.Infow("Account liquidated",
			"index", h.Index,
			"owner", h.Owner,
			"equity", h.Equity,
			"maintenance", h.Maintenance,
			"sig", res.Signature)
		s.bus.Emit(events.LiquidationExecuted, rec.Address, map[string]interface{}{
			"run_id":      runID,
			"index":       h.Index,
			"owner":       h.Owner,
			"position":    h.PositionSize,
			"equity":      h.Equity,
			"maintenance": h.Maintenance,
			"price_e6":    h.OraclePriceE6,
			"signature":   res.Signature,
		})
	}
	return done, lastErr
}

// ScanOnce scans every market and liquidates what it finds. A failure in one
// market never stops the others.
func (s *Scanner) ScanOnce(ctx context.Context) (liquidated int) {
	var failed error
	for _, rec := range s.markets.List() {
		if ctx.Err() != nil {
			break
		}
		err := s.guard.Run(ctx, Op, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			health, err := s.Scan(ctx, rec)
			if err != nil {
				return err
			}
			var targets []models.AccountHealth
			for _, h := range health {
				if h.Liquidatable {
					targets = append(targets, h)
				}
			}
			if len(targets) == 0 {
				return nil
			}
			n, err := s.Execute(ctx, rec, targets)
			liquidated += n
			return err
		})
		if err != nil {
			failed = err
			s.logger.Errorw("Liquidation scan failed", "market", rec.Address, "err", err)
		}
	}
	s.monitor.Record(Op, failed)
	return liquidated
}

// Run scans every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}
