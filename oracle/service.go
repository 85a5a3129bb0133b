package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/feeds"
	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
	"github.com/PhotizoAi/percolator-launch-sub002/middleware"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/monitoring"
	"github.com/PhotizoAi/percolator-launch-sub002/percolator"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
	"github.com/PhotizoAi/percolator-launch-sub002/tx"
)

// Op is the monitor operation name for price pushes.
const Op = "oracle_push"

// Sender lands instructions on the ledger.
type Sender interface {
	SendWithRetry(ctx context.Context, ixs []solana.Instruction, opts tx.BuildOptions) (*tx.Result, error)
}

// Markets resolves a slab address to its registry record.
type Markets interface {
	Get(address string) (models.MarketRecord, bool)
}

// Market maps an authority-priced slab to the asset ids used by each source.
type Market struct {
	Slab  solana.PublicKey
	Asset models.AssetRef
}

type Options struct {
	Tolerance     decimal.Decimal
	MaxAge        time.Duration
	SourceTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Tolerance:     decimal.RequireFromString("0.005"),
		MaxAge:        60 * time.Second,
		SourceTimeout: 5 * time.Second,
	}
}

// Service fetches every source for each configured market, cross-validates
// the samples and pushes the agreed price signed by the oracle authority.
type Service struct {
	sources   []feeds.Source
	markets   []Market
	registry  Markets
	sender    Sender
	authority solana.PublicKey
	opts      Options

	bus     *events.Bus
	monitor *monitoring.Monitor
	metrics *metrics.Metrics
	guard   *middleware.Guard
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu     sync.RWMutex
	latest map[string]models.CrossValidatedPrice
}

type ServiceConfig struct {
	Sources   []feeds.Source
	Markets   []Market
	Registry  Markets
	Sender    Sender
	Authority solana.PublicKey
	Options   Options
	Bus       *events.Bus
	Monitor   *monitoring.Monitor
	Metrics   *metrics.Metrics
	Guard     *middleware.Guard
	Logger    *zap.SugaredLogger
}

func NewService(cfg ServiceConfig) *Service {
	def := DefaultOptions()
	if !cfg.Options.Tolerance.IsPositive() {
		cfg.Options.Tolerance = def.Tolerance
	}
	if cfg.Options.MaxAge <= 0 {
		cfg.Options.MaxAge = def.MaxAge
	}
	if cfg.Options.SourceTimeout <= 0 {
		cfg.Options.SourceTimeout = def.SourceTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Guard == nil {
		cfg.Guard = middleware.NewGuard(cfg.Logger, nil)
	}
	cfg.Monitor.Watch(Op)
	return &Service{
		sources:   cfg.Sources,
		markets:   cfg.Markets,
		registry:  cfg.Registry,
		sender:    cfg.Sender,
		authority: cfg.Authority,
		opts:      cfg.Options,
		bus:       cfg.Bus,
		monitor:   cfg.Monitor,
		metrics:   cfg.Metrics,
		guard:     cfg.Guard,
		logger:    cfg.Logger,
		now:       time.Now,
		latest:    make(map[string]models.CrossValidatedPrice),
	}
}

// Collect fetches asset from every source concurrently. Failed sources are
// logged and left out.
func (s *Service) Collect(ctx context.Context, asset models.AssetRef) []models.PriceSample {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SourceTimeout)
	defer cancel()

	results := make([]*models.PriceSample, len(s.sources))
	var wg sync.WaitGroup
	for i, src := range s.sources {
		if asset.ID(src.Name()) == "" {
			continue
		}
		wg.Add(1)
		go func(i int, src feeds.Source) {
			defer wg.Done()
			sample, err := src.Fetch(ctx, asset)
			if err != nil {
				s.logger.Warnw("Price source failed",
					"source", src.Name(),
					"asset", asset.Symbol,
					"err", err)
				return
			}
			results[i] = &sample
		}(i, src)
	}
	wg.Wait()

	var samples []models.PriceSample
	for _, r := range results {
		if r != nil {
			samples = append(samples, *r)
		}
	}
	return samples
}

// Price returns the cross-validated price of asset right now.
func (s *Service) Price(ctx context.Context, asset models.AssetRef) (models.CrossValidatedPrice, error) {
	return CrossValidate(s.Collect(ctx, asset), s.opts.Tolerance, s.opts.MaxAge, s.now())
}

// Market returns the configured mapping for slab.
func (s *Service) Market(slab string) (Market, bool) {
	for _, m := range s.markets {
		if m.Slab.String() == slab {
			return m, true
		}
	}
	return Market{}, false
}

// Latest returns the last price pushed for slab.
func (s *Service) Latest(slab string) (models.CrossValidatedPrice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.latest[slab]
	return p, ok
}

// PushNow prices market and pushes the result with fee pinned, or estimated
// when fee is zero. A withheld price returns an error wrapping
// models.ErrPriceDisagreement or models.ErrNoSamples and sends nothing.
func (s *Service) PushNow(ctx context.Context, m Market, fee uint64) (models.CrossValidatedPrice, *tx.Result, error) {
	slab := m.Slab.String()
	rec, ok := s.registry.Get(slab)
	if !ok {
		return models.CrossValidatedPrice{}, nil, models.NewNonRetryable("push "+slab,
			fmt.Errorf("%w: market %s not discovered", models.ErrAccountNotFound, slab))
	}
	program, err := solana.PublicKeyFromBase58(rec.Program)
	if err != nil {
		return models.CrossValidatedPrice{}, nil, models.NewNonRetryable("push "+slab, err)
	}

	price, err := s.Price(ctx, m.Asset)
	if err != nil {
		s.metrics.OraclePush("withheld")
		s.logger.Warnw("Price push withheld",
			"market", slab,
			"asset", m.Asset.Symbol,
			"err", err)
		s.bus.Emit(events.OracleWithheld, slab, map[string]interface{}{
			"asset":    m.Asset.Symbol,
			"reason":   err.Error(),
			"rejected": price.Rejected,
		})
		return price, nil, err
	}

	ix := percolator.PushOraclePrice(program, s.authority, m.Slab, price.PriceE6, price.ObservedAt.Unix())
	res, err := s.sender.SendWithRetry(ctx, []solana.Instruction{ix}, tx.BuildOptions{Fee: fee})
	if err != nil {
		s.metrics.OraclePush("failed")
		return price, nil, fmt.Errorf("failed to push %s price to %s: %w", m.Asset.Symbol, slab, err)
	}

	s.mu.Lock()
	s.latest[slab] = price
	s.mu.Unlock()

	s.metrics.OraclePush("pushed")
	s.logger.Infow("Price pushed",
		"market", slab,
		"asset", m.Asset.Symbol,
		"price", price.Price.String(),
		"sources", price.Sources,
		"sig", res.Signature)
	s.bus.Emit(events.OraclePushed, slab, map[string]interface{}{
		"asset":     m.Asset.Symbol,
		"price":     price.Price.String(),
		"price_e6":  price.PriceE6,
		"timestamp": price.ObservedAt.Unix(),
		"sources":   price.Sources,
		"rejected":  price.Rejected,
		"signature": res.Signature,
	})
	return price, res, nil
}

// RunOnce pushes every configured market that is discovered and priced by
// authority. One market failing never stops the others. Withheld pushes count
// as failures for the monitor.
func (s *Service) RunOnce(ctx context.Context) {
	for _, m := range s.markets {
		if ctx.Err() != nil {
			return
		}
		slab := m.Slab.String()
		rec, ok := s.registry.Get(slab)
		if !ok {
			s.logger.Debugw("Oracle market not discovered yet", "market", slab)
			continue
		}
		if rec.OracleMode != models.OracleAuthority {
			continue
		}
		err := s.guard.Run(ctx, Op, func(ctx context.Context) error {
			_, _, err := s.PushNow(ctx, m, 0)
			return err
		})
		if err != nil && !withheld(err) {
			s.logger.Errorw("Price push failed", "market", slab, "err", err)
		}
		s.monitor.Record(Op, err)
	}
}

// Run pushes every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func withheld(err error) bool {
	return errors.Is(err, models.ErrPriceDisagreement) || errors.Is(err, models.ErrNoSamples)
}
