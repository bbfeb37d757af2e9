package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arbiter/internal/arbitrage"
	"arbiter/internal/capital"
	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/events"
	"arbiter/internal/exchange"
	"arbiter/internal/execution"
	"arbiter/internal/market"
	"arbiter/internal/model"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			log.Fatalf("invalid config: %v", cerr)
		}
		log.Fatalf("cannot load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Arbiter exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	params, err := scanParams(cfg)
	if err != nil {
		return err
	}

	if cfg.Run.Mode == config.ModeLive {
		logger.Warn("LIVE MODE: real funds will be committed", "account", cfg.Capital.AccountID, "start_delay", cfg.Run.LiveStartDelay)
		select {
		case <-time.After(cfg.Run.LiveStartDelay):
		case <-ctx.Done():
			return nil
		}
	} else {
		logger.Info("Paper mode: executions are simulated")
	}

	adapters, err := newAdapters(cfg.Venues, logger)
	if err != nil {
		return err
	}

	sink, err := newSink(ctx, cfg.Events, logger)
	if err != nil {
		closeAdapters(adapters, logger)
		return err
	}

	repo, err := newRepository(ctx, cfg.Database, logger)
	if err != nil {
		closeAdapters(adapters, logger)
		_ = sink.Close()
		return err
	}
	if pg, ok := repo.(*database.PostgresRepository); ok {
		defer pg.Close()
	}

	agg := market.NewAggregator(market.Config{
		Symbols:       cfg.Symbols,
		VenueTimeout:  cfg.Run.VenueTimeout,
		CycleDeadline: cfg.Run.CycleDeadline,
		Staleness:     cfg.Run.StalenessWindow,
		ProbeInterval: cfg.Run.RecoveryProbeInterval,
	}, adapters, sink, logger)

	ledger := capital.NewLedger(capital.Config{
		AccountID:        cfg.Capital.AccountID,
		ValuationSymbol:  cfg.Capital.ValuationSymbol,
		Reserve:          cfg.Capital.ReserveBase,
		AllocationPct:    cfg.Capital.AllocationPct,
		RefreshThreshold: cfg.Capital.RefreshThreshold,
	}, newAccountSource(cfg), agg, logger)

	coordinator := execution.NewCoordinator(newSettlement(cfg, logger), repo, ledger, sink, cfg.Strategy.MaxSlippageBps, logger)
	engine := arbitrage.NewArbitrageEngine(logger, agg, ledger, coordinator, sink, params, cfg.Strategy.NativeSymbol, cfg.Run.ScanInterval)

	engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Run.ShutdownTimeout)
	defer cancel()
	return engine.Shutdown(shutdownCtx)
}

func newAdapters(venues []config.VenueConfig, logger *slog.Logger) ([]exchange.VenueAdapter, error) {
	adapters := make([]exchange.VenueAdapter, 0, len(venues))
	for _, vc := range venues {
		ad, err := exchange.NewAdapter(vc, logger)
		if err != nil {
			closeAdapters(adapters, logger)
			return nil, err
		}
		adapters = append(adapters, ad)
	}
	return adapters, nil
}

func closeAdapters(adapters []exchange.VenueAdapter, logger *slog.Logger) {
	for _, ad := range adapters {
		if err := ad.Close(); err != nil {
			logger.Warn("Failed to close venue", "venue", ad.Name(), "error", err)
		}
	}
}

func newSink(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) (events.Sink, error) {
	sinks := events.Multi{events.NewLogSink(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		logger.Info("Publishing events to Kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	if cfg.Redis.Addr != "" {
		rs, err := events.NewRedisSink(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, rs)
		logger.Info("Publishing events to Redis", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}
	return sinks, nil
}

func newRepository(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (database.Repository, error) {
	if cfg.Host == "" {
		logger.Info("No database configured, keeping trades in memory")
		return database.NewMemoryRepository(), nil
	}
	repo, err := database.NewPostgresRepository(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	logger.Info("Connected to database", "host", cfg.Host, "db", cfg.DBName)
	return repo, nil
}

func newAccountSource(cfg config.Config) capital.AccountSource {
	if cfg.Capital.Source == "http" {
		return capital.NewHTTPSource(cfg.Capital.SourceURL, cfg.Run.VenueTimeout)
	}
	return capital.StaticSource{Fixed: capital.Balances{Base: cfg.Capital.StaticBase, Quote: cfg.Capital.StaticQuote}}
}

func newSettlement(cfg config.Config, logger *slog.Logger) execution.Settlement {
	if cfg.Run.Mode != config.ModeLive {
		return execution.NewPaperSettlement(execution.PaperConfig{
			SuccessRate:    cfg.Execution.SimSuccessRate,
			SlippageMinBps: cfg.Execution.SimSlippageMinBps,
			SlippageMaxBps: cfg.Execution.SimSlippageMaxBps,
			Latency:        time.Duration(cfg.Execution.SimulatedLatencyMS) * time.Millisecond,
		}, exchange.NewRand(cfg.Execution.Seed))
	}
	submitter := execution.NewHTTPSubmitter(cfg.Execution.SettlementURL, cfg.Execution.AuthToken, cfg.Run.OpportunityTTL+cfg.Run.VenueTimeout)
	if cfg.Execution.Atomic {
		return execution.NewBundleSettlement(submitter)
	}
	return execution.NewLegwiseSettlement(submitter, logger)
}

func scanParams(cfg config.Config) (arbitrage.Params, error) {
	strategies := make([]model.Strategy, 0, len(cfg.Strategy.Enabled))
	for _, tag := range cfg.Strategy.Enabled {
		s, ok := model.ParseStrategy(tag)
		if !ok {
			return arbitrage.Params{}, &config.ConfigError{Field: "strategy.enabled", Reason: "unknown strategy " + tag}
		}
		strategies = append(strategies, s)
	}
	sc := cfg.Strategy
	return arbitrage.Params{
		Symbols:                cfg.Symbols,
		Strategies:             strategies,
		MinSpreadBps:           sc.MinSpreadBps,
		MinProfitUSD:           sc.MinProfitUSD,
		MaxSlippageBps:         sc.MaxSlippageBps,
		MaxTradeFraction:       sc.MaxTradeFraction,
		VenueLiquidityFraction: sc.VenueLiquidityFraction,
		MinNotionalUSD:         sc.MinNotionalUSD,
		ConfidenceFloor:        sc.ConfidenceFloor,
		BaseConfidence:         sc.BaseConfidence,
		TipLamports:            sc.TipLamports,
		PriorityFeeLamports:    sc.PriorityFeeLamports,
		FeeLegs:                sc.FeeLegs,
		OpportunityTTL:         cfg.Run.OpportunityTTL,
	}, nil
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
