package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/config"
	"github.com/PhotizoAi/percolator-launch-sub002/db"
	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/feeds"
	"github.com/PhotizoAi/percolator-launch-sub002/liquidation"
	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
	"github.com/PhotizoAi/percolator-launch-sub002/middleware"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/monitoring"
	"github.com/PhotizoAi/percolator-launch-sub002/oracle"
	"github.com/PhotizoAi/percolator-launch-sub002/registry"
	"github.com/PhotizoAi/percolator-launch-sub002/rpc"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
	"github.com/PhotizoAi/percolator-launch-sub002/tx"
	"github.com/PhotizoAi/percolator-launch-sub002/utils"
	"github.com/PhotizoAi/percolator-launch-sub002/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(cfg.App.LogLevel, cfg.App.LogDir)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorw("Keeper stopped with error", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Keeper stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	payer, err := solana.LoadKeypair(cfg.Tx.Keypair)
	if err != nil {
		return fmt.Errorf("failed to load keypair: %w", err)
	}
	keeper := solana.PublicKeyOf(payer)

	programs, err := parseKeys(cfg.Markets.ProgramIDs)
	if err != nil {
		return fmt.Errorf("invalid program id: %w", err)
	}
	var stakeProgram solana.PublicKey
	if cfg.Markets.StakeProgramID != "" {
		if stakeProgram, err = solana.PublicKeyFromBase58(cfg.Markets.StakeProgramID); err != nil {
			return fmt.Errorf("invalid stake program id: %w", err)
		}
	}
	priced, err := oracleMarkets(cfg.Oracle.Markets)
	if err != nil {
		return err
	}

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsInstance := metrics.New(reg)

	// Events, alerting and failure monitoring
	bus := events.NewBus(logger.Named("events"))
	reporter := exceptionReporter(cfg, logger)
	guard := middleware.NewGuard(logger, reporter)
	monitor := monitoring.NewMonitor(monitoring.Thresholds{
		MaxConsecutiveFailures: cfg.Monitor.MaxConsecutiveFailures,
		ErrorRate:              cfg.Monitor.ErrorRate,
		WindowSize:             cfg.Monitor.WindowSize,
		MinSamples:             cfg.Monitor.MinSamples,
		Staleness:              cfg.Monitor.Staleness,
		Cooldown:               cfg.Monitor.Cooldown,
	}, bus, logger.Named("monitor"))

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	relay := monitoring.NewAlertRelay(alerter(cfg, logger), cfg.Alerts.Timeout, metricsInstance, logger.Named("alerts"))
	relay.Attach(bus)
	spawn(func() { relay.Run(ctx) })

	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Drain()
		events.NewNATSForwarder(nc, cfg.NATS.Prefix, logger.Named("nats")).Attach(bus)
		logger.Infow("Forwarding events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.Prefix)
	}

	if cfg.ClickHouse.Addr != "" {
		chDB, err := db.NewClickHouseDB(ctx, db.Options{
			Addr:         cfg.ClickHouse.Addr,
			Database:     cfg.ClickHouse.Database,
			User:         cfg.ClickHouse.User,
			Password:     cfg.ClickHouse.Password,
			QueryTimeout: cfg.ClickHouse.QueryTimeout,
			Debug:        cfg.ClickHouse.Debug,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer chDB.Close()
		journal := db.NewJournal(chDB, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval, logger.Named("journal"))
		journal.Attach(bus)
		spawn(func() { journal.Run(ctx) })
		logger.Infow("Journaling events to ClickHouse", "addr", cfg.ClickHouse.Addr)
	}

	// Ledger access layer
	bucket := rpc.NewTokenBucket(cfg.RPC.BucketCapacity, cfg.RPC.BucketRefill, cfg.RPC.BucketInterval)
	spawn(func() { bucket.Run(ctx) })
	retry := rpc.RetryPolicy{
		MaxAttempts: cfg.RPC.MaxAttempts,
		BaseDelay:   cfg.RPC.BackoffBase,
		MaxDelay:    cfg.RPC.BackoffMax,
	}
	primary := rpc.NewEndpoint("primary", cfg.RPC.PrimaryURL, cfg.RPC.Timeout)
	var fallback *rpc.Endpoint
	if cfg.RPC.FallbackURL != "" {
		fallback = rpc.NewEndpoint("fallback", cfg.RPC.FallbackURL, cfg.RPC.Timeout)
	}
	extras := make([]*rpc.Endpoint, 0, len(cfg.RPC.ExtraURLs))
	for i, url := range cfg.RPC.ExtraURLs {
		extras = append(extras, rpc.NewEndpoint(fmt.Sprintf("extra-%d", i+1), url, cfg.RPC.Timeout))
	}
	client := rpc.NewClient(rpc.ClientOptions{
		Primary:    primary,
		Fallback:   fallback,
		Bucket:     bucket,
		Cache:      rpc.NewCache[json.RawMessage](cfg.RPC.CacheTTL, cfg.RPC.CacheSize),
		Retry:      retry,
		Commitment: cfg.RPC.Commitment,
		Metrics:    metricsInstance,
		Logger:     logger.Named("rpc"),
	})
	broadcaster := rpc.NewBroadcaster(primary, extras, bucket, retry, metricsInstance, logger.Named("broadcast"))

	// Transaction pipeline
	builder := tx.NewBuilder(client, payer, tx.BuilderOptions{
		FeeFloor:            cfg.Tx.FeeFloor,
		FeePercentile:       cfg.Tx.FeePercentile,
		DefaultComputeUnits: cfg.Tx.DefaultComputeUnits,
		ComputeMarginPct:    uint64(cfg.Tx.ComputeMarginPct),
	}, logger.Named("tx"))
	sender := tx.NewSender(builder, client, broadcaster, tx.SenderOptions{
		ConfirmTimeout: cfg.Tx.ConfirmTimeout,
		PollInterval:   cfg.Tx.PollInterval,
		Commitment:     cfg.RPC.Commitment,
		MaxResubmits:   cfg.Tx.MaxResubmits,
	}, logger.Named("tx"))

	// Market registry, discovery and cranking
	var slotFeed registry.SlotFeed
	if cfg.RPC.WSURL != "" {
		watcher := ws.NewSlotWatcher(cfg.RPC.WSURL, nil, logger.Named("ws"))
		slotFeed = watcher
		spawn(func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Errorw("Slot stream stopped", "err", err)
			}
		})
	}
	slots := registry.NewSlotTracker(slotFeed, client, 0)
	markets := registry.New(cfg.Markets.MaxMisses, cfg.Markets.ActiveWindow, bus, metricsInstance, logger.Named("registry"))
	discoverer := registry.NewDiscoverer(registry.DiscovererConfig{
		Reader:       client,
		Programs:     programs,
		StakeProgram: stakeProgram,
		Registry:     markets,
		Slots:        slots,
		Timeout:      cfg.Markets.DiscoveryTimeout,
		Monitor:      monitor,
		Logger:       logger.Named("discovery"),
	})
	cranker := registry.NewCranker(sender, keeper, markets, bus, monitor, metricsInstance, logger.Named("crank"))
	scheduler := registry.NewScheduler(registry.SchedulerConfig{
		Registry:       markets,
		Cranker:        cranker,
		Guard:          guard,
		Workers:        cfg.App.NumWorkers,
		CrankTimeout:   cfg.Markets.CrankTimeout,
		ActiveInterval: cfg.Markets.ActiveInterval,
		IdleInterval:   cfg.Markets.IdleInterval,
		Logger:         logger.Named("scheduler"),
	})

	// Oracle pushes for authority-priced markets
	sources, err := priceSources(cfg, logger)
	if err != nil {
		return err
	}
	oracleService := oracle.NewService(oracle.ServiceConfig{
		Sources:   sources,
		Markets:   priced,
		Registry:  markets,
		Sender:    sender,
		Authority: keeper,
		Options: oracle.Options{
			Tolerance:     decimal.NewFromFloat(cfg.Oracle.Tolerance),
			MaxAge:        cfg.Oracle.MaxAge,
			SourceTimeout: cfg.Oracle.SourceTimeout,
		},
		Bus:     bus,
		Monitor: monitor,
		Metrics: metricsInstance,
		Guard:   guard,
		Logger:  logger.Named("oracle"),
	})

	// Liquidation scanning
	scanner := liquidation.NewScanner(liquidation.ScannerConfig{
		Markets: markets,
		Reader:  client,
		Fees:    builder,
		Steps:   liquidation.NewLedgerSteps(oracleService, cranker, sender, keeper),
		Timeout: cfg.Liquidation.Timeout,
		Bus:     bus,
		Monitor: monitor,
		Metrics: metricsInstance,
		Guard:   guard,
		Logger:  logger.Named("liquidation"),
	})

	logger.Infow("Keeper starting",
		"keeper", keeper.String(),
		"programs", len(programs),
		"oracle_markets", len(priced),
		"sources", len(sources),
		"extra_endpoints", len(extras),
	)

	// The first discovery pass runs before any cranking so the scheduler
	// starts with a populated registry.
	if _, err := discoverer.DiscoverOnce(ctx); err != nil {
		logger.Warnw("Initial discovery incomplete", "err", err)
	}

	spawn(func() { discoverer.Run(ctx, cfg.Markets.DiscoveryInterval) })
	spawn(func() { scheduler.Run(ctx) })
	spawn(func() { oracleService.Run(ctx, cfg.Oracle.Interval) })
	spawn(func() { scanner.Run(ctx, cfg.Liquidation.Interval) })
	spawn(func() { monitor.Run(ctx, cfg.Monitor.CheckInterval) })
	spawn(func() { monitoring.CollectSystemMetrics(ctx, metricsInstance, 5*time.Second) })

	// Ops server
	health := monitoring.NewHealth(monitor, metricsInstance)
	health.RegisterCheck("registry", func() bool { return markets.Len() > 0 })
	opsMux := http.NewServeMux()
	opsMux.Handle("/health", health)
	opsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           utils.RequestLogger(logger, opsMux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	spawn(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Error(logger, err, "Ops server error")
		}
	})

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Ops server shutdown", "err", err)
	}
	wg.Wait()
	return nil
}

func parseKeys(values []string) ([]solana.PublicKey, error) {
	keys := make([]solana.PublicKey, 0, len(values))
	for _, v := range values {
		k, err := solana.PublicKeyFromBase58(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func oracleMarkets(in []config.OracleMarket) ([]oracle.Market, error) {
	out := make([]oracle.Market, 0, len(in))
	for _, m := range in {
		slab, err := solana.PublicKeyFromBase58(m.Slab)
		if err != nil {
			return nil, fmt.Errorf("invalid oracle market slab %s: %w", m.Slab, err)
		}
		out = append(out, oracle.Market{
			Slab:  slab,
			Asset: models.AssetRef{Symbol: m.Symbol, IDs: m.IDs},
		})
	}
	return out, nil
}

func priceSources(cfg *config.Config, logger *zap.SugaredLogger) ([]feeds.Source, error) {
	sources := make([]feeds.Source, 0, len(cfg.Oracle.Sources))
	for _, name := range cfg.Oracle.Sources {
		src, err := feeds.New(name, feeds.Options{
			BaseURL:        cfg.Oracle.BaseURLs[name],
			Timeout:        cfg.Oracle.SourceTimeout,
			RPS:            cfg.Oracle.SourceRPS,
			BreakerTimeout: 30 * time.Second,
			Logger:         logger.Named("feeds"),
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func alerter(cfg *config.Config, logger *zap.SugaredLogger) monitoring.Alerter {
	var sinks monitoring.MultiAlerter
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != "" {
		tg, err := monitoring.NewTelegramAlerter(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)
		if err != nil {
			logger.Warnw("Telegram alerts disabled", "err", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, monitoring.NewWebhookAlerter(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout))
	}
	if len(sinks) == 0 {
		logger.Warn("No alert sink configured, alerts go to the log only")
		return monitoring.NopAlerter{}
	}
	return sinks
}

func exceptionReporter(cfg *config.Config, logger *zap.SugaredLogger) monitoring.ExceptionReporter {
	if cfg.Alerts.ExceptionURL == "" {
		return monitoring.NopReporter{}
	}
	return monitoring.NewHTTPReporter(cfg.Alerts.ExceptionURL, cfg.Alerts.Timeout, logger)
}
