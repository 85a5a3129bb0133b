package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/monitoring"
	"github.com/PhotizoAi/percolator-launch-sub002/parser"
	"github.com/PhotizoAi/percolator-launch-sub002/percolator"
	"github.com/PhotizoAi/percolator-launch-sub002/rpc"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// DiscoveryOp is the monitor operation name for discovery passes.
const DiscoveryOp = "discovery"

// AccountReader is the read side of the access layer used by discovery.
type AccountReader interface {
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters []rpc.Filter) ([]rpc.KeyedAccount, error)
	GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*rpc.AccountInfo, error)
}

// SlotSource reports the current slot.
type SlotSource interface {
	Slot(ctx context.Context) (uint64, error)
}

type Discoverer struct {
	reader   AccountReader
	programs []solana.PublicKey
	// stakeProgram is zero when pool observation is off.
	stakeProgram solana.PublicKey
	registry     *Registry
	slots        SlotSource
	timeout      time.Duration
	monitor      *monitoring.Monitor
	logger       *zap.SugaredLogger
}

type DiscovererConfig struct {
	Reader       AccountReader
	Programs     []solana.PublicKey
	StakeProgram solana.PublicKey
	Registry     *Registry
	Slots        SlotSource
	Timeout      time.Duration
	Monitor      *monitoring.Monitor
	Logger       *zap.SugaredLogger
}

func NewDiscoverer(cfg DiscovererConfig) *Discoverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	cfg.Monitor.Watch(DiscoveryOp)
	return &Discoverer{
		reader:       cfg.Reader,
		programs:     cfg.Programs,
		stakeProgram: cfg.StakeProgram,
		registry:     cfg.Registry,
		slots:        cfg.Slots,
		timeout:      cfg.Timeout,
		monitor:      cfg.Monitor,
		logger:       cfg.Logger,
	}
}

func slabFilter() []rpc.Filter {
	return []rpc.Filter{{Memcmp: &rpc.Memcmp{Offset: 0, Bytes: []byte(parser.SlabMagic)}}}
}

// DiscoverOnce lists slabs under every program and applies the pass to the
// registry. Programs that could not be listed are left out of the pass and
// reported in the returned error.
func (d *Discoverer) DiscoverOnce(ctx context.Context) (PassResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	slot, err := d.slots.Slot(ctx)
	if err != nil {
		err = fmt.Errorf("failed to read slot: %w", err)
		d.monitor.Record(DiscoveryOp, err)
		return PassResult{}, err
	}

	var (
		found   []Sighting
		scanned []string
		errs    []error
	)
	for _, program := range d.programs {
		accounts, err := d.reader.GetProgramAccounts(ctx, program, slabFilter())
		if err != nil {
			d.logger.Warnw("Failed to list markets", "program", program.String(), "err", err)
			errs = append(errs, fmt.Errorf("program %s: %w", program, err))
			continue
		}
		scanned = append(scanned, program.String())
		for _, acct := range accounts {
			header, err := parser.ParseSlabHeader(acct.Account.Data)
			if err != nil {
				d.logger.Warnw("Skipping unreadable slab",
					"market", acct.Address.String(),
					"program", program.String(),
					"err", err)
				continue
			}
			s := Sighting{Address: acct.Address.String(), Program: program.String(), Header: header}
			if _, known := d.registry.Get(s.Address); !known {
				s.Extra = d.poolInfo(ctx, acct.Address)
			}
			found = append(found, s)
		}
	}

	res := d.registry.Apply(found, scanned, slot)
	err = errors.Join(errs...)
	d.monitor.Record(DiscoveryOp, err)
	return res, err
}

// poolInfo reads the LP staking pool of slab, if the stake program is
// configured and the pool exists.
func (d *Discoverer) poolInfo(ctx context.Context, slab solana.PublicKey) map[string]interface{} {
	if d.stakeProgram.IsZero() {
		return nil
	}
	addr, _, err := percolator.PoolAddress(d.stakeProgram, slab)
	if err != nil {
		return nil
	}
	info, err := d.reader.GetAccountInfo(ctx, addr)
	if err != nil {
		if !errors.Is(err, models.ErrAccountNotFound) {
			d.logger.Warnw("Failed to read stake pool", "market", slab.String(), "pool", addr.String(), "err", err)
		}
		return nil
	}
	pool, err := parser.ParsePool(info.Data)
	if err != nil {
		d.logger.Warnw("Skipping unreadable stake pool", "market", slab.String(), "pool", addr.String(), "err", err)
		return nil
	}
	out := map[string]interface{}{
		"pool":                 addr.String(),
		"pool_total_deposited": pool.TotalDeposited,
		"pool_net_deposited":   pool.NetDeposited(),
		"pool_lp_supply":       pool.LpSupply,
		"hwm_enabled":          pool.Hwm != nil,
		"tranche_enabled":      pool.Tranche != nil,
	}
	if pool.Hwm != nil {
		out["hwm_e6"] = pool.Hwm.HighWaterMarkE6
		out["hwm_floor_bps"] = pool.Hwm.FloorBps
	}
	if pool.Tranche != nil {
		out["senior_balance"] = pool.Tranche.SeniorBalance
		out["junior_balance"] = pool.Tranche.JuniorBalance
	}
	return out
}

// Run discovers every interval until ctx is done.
func (d *Discoverer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DiscoverOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Errorw("Discovery pass incomplete", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
