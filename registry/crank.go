package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
	"github.com/PhotizoAi/percolator-launch-sub002/middleware"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/monitoring"
	"github.com/PhotizoAi/percolator-launch-sub002/percolator"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
	"github.com/PhotizoAi/percolator-launch-sub002/tx"
)

// Sender lands instructions on the ledger.
type Sender interface {
	SendWithRetry(ctx context.Context, ixs []solana.Instruction, opts tx.BuildOptions) (*tx.Result, error)
}

// CrankOp returns the monitor operation name for a cadence class.
func CrankOp(c models.Cadence) string {
	return "crank_" + string(c)
}

// Cranker sends permissionless keeper cranks.
type Cranker struct {
	sender   Sender
	caller   solana.PublicKey
	registry *Registry
	bus      *events.Bus
	monitor  *monitoring.Monitor
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

func NewCranker(sender Sender, caller solana.PublicKey, registry *Registry, bus *events.Bus, monitor *monitoring.Monitor, m *metrics.Metrics, logger *zap.SugaredLogger) *Cranker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	monitor.Watch(CrankOp(models.CadenceActive))
	monitor.Watch(CrankOp(models.CadenceIdle))
	return &Cranker{
		sender:   sender,
		caller:   caller,
		registry: registry,
		bus:      bus,
		monitor:  monitor,
		metrics:  m,
		logger:   logger,
	}
}

// Instruction returns the crank instruction for rec.
func (c *Cranker) Instruction(rec models.MarketRecord) (solana.Instruction, error) {
	program, err := solana.PublicKeyFromBase58(rec.Program)
	if err != nil {
		return solana.Instruction{}, models.NewNonRetryable("crank "+rec.Address, err)
	}
	slab, err := solana.PublicKeyFromBase58(rec.Address)
	if err != nil {
		return solana.Instruction{}, models.NewNonRetryable("crank "+rec.Address, err)
	}
	var oracle solana.PublicKey
	if rec.Oracle != "" {
		if oracle, err = solana.PublicKeyFromBase58(rec.Oracle); err != nil {
			return solana.Instruction{}, models.NewNonRetryable("crank "+rec.Address, err)
		}
	}
	return percolator.KeeperCrank(program, c.caller, slab, oracle, false), nil
}

// Crank sends one crank for rec. A zero fee is estimated.
func (c *Cranker) Crank(ctx context.Context, rec models.MarketRecord, fee uint64) (*tx.Result, error) {
	ix, err := c.Instruction(rec)
	if err == nil {
		var res *tx.Result
		res, err = c.sender.SendWithRetry(ctx, []solana.Instruction{ix}, tx.BuildOptions{Fee: fee, KeeperMode: true})
		if err == nil {
			c.registry.MarkCranked(rec.Address, res.Slot)
			c.metrics.Crank(string(rec.Cadence), nil)
			c.monitor.Record(CrankOp(rec.Cadence), nil)
			c.logger.Infow("Market cranked",
				"market", rec.Address,
				"cadence", rec.Cadence,
				"sig", res.Signature,
				"attempts", res.Attempts)
			c.bus.Emit(events.CrankSucceeded, rec.Address, map[string]interface{}{
				"cadence":   string(rec.Cadence),
				"signature": res.Signature,
				"slot":      res.Slot,
				"fee":       res.Fee,
				"attempts":  res.Attempts,
			})
			return res, nil
		}
	}

	c.metrics.Crank(string(rec.Cadence), err)
	c.monitor.Record(CrankOp(rec.Cadence), err)
	c.logger.Warnw("Crank failed", "market", rec.Address, "cadence", rec.Cadence, "err", err)
	c.bus.Emit(events.CrankFailed, rec.Address, map[string]interface{}{
		"cadence": string(rec.Cadence),
		"error":   err.Error(),
		"class":   models.ClassOf(err).String(),
	})
	return nil, fmt.Errorf("crank %s: %w", rec.Address, err)
}

// Scheduler cranks each cadence class on its own timer through a bounded
// worker pool.
type Scheduler struct {
	registry  *Registry
	cranker   *Cranker
	guard     *middleware.Guard
	workers   int
	timeout   time.Duration
	intervals map[models.Cadence]time.Duration
	logger    *zap.SugaredLogger
}

type SchedulerConfig struct {
	Registry       *Registry
	Cranker        *Cranker
	Guard          *middleware.Guard
	Workers        int
	CrankTimeout   time.Duration
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	Logger         *zap.SugaredLogger
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CrankTimeout <= 0 {
		cfg.CrankTimeout = 90 * time.Second
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = 10 * time.Second
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Guard == nil {
		cfg.Guard = middleware.NewGuard(cfg.Logger, nil)
	}
	return &Scheduler{
		registry: cfg.Registry,
		cranker:  cfg.Cranker,
		guard:    cfg.Guard,
		workers:  cfg.Workers,
		timeout:  cfg.CrankTimeout,
		intervals: map[models.Cadence]time.Duration{
			models.CadenceActive: cfg.ActiveInterval,
			models.CadenceIdle:   cfg.IdleInterval,
		},
		logger: cfg.Logger,
	}
}

// CrankCadence cranks every market of one cadence class and returns how many
// succeeded and failed. A failing or panicking market never stops the others.
func (s *Scheduler) CrankCadence(ctx context.Context, c models.Cadence) (ok, failed int) {
	markets := s.registry.ByCadence(c)
	if len(markets) == 0 {
		return 0, 0
	}

	jobs := make(chan models.MarketRecord, len(markets))
	for _, m := range markets {
		jobs <- m
	}
	close(jobs)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	workers := s.workers
	if workers > len(markets) {
		workers = len(markets)
	}
	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for rec := range jobs {
				if ctx.Err() != nil {
					return
				}
				err := s.guard.Run(ctx, CrankOp(c), func(ctx context.Context) error {
					cctx, cancel := context.WithTimeout(ctx, s.timeout)
					defer cancel()
					_, err := s.cranker.Crank(cctx, rec, 0)
					return err
				})
				if _, isPanic := err.(*middleware.PanicError); isPanic {
					s.cranker.monitor.Record(CrankOp(c), err)
				}
				mu.Lock()
				if err != nil {
					failed++
				} else {
					ok++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	s.logger.Infow("Crank pass finished",
		"cadence", c,
		"markets", len(markets),
		"succeeded", ok,
		"failed", failed)
	return ok, failed
}

// Run starts one timer loop per cadence class and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for cadence, interval := range s.intervals {
		wg.Add(1)
		go func(c models.Cadence, interval time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.CrankCadence(ctx, c)
				}
			}
		}(cadence, interval)
	}
	wg.Wait()
}
