package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"trading-risk-engine/config"
	"trading-risk-engine/internal/audit"
	"trading-risk-engine/internal/bus"
	"trading-risk-engine/internal/cache"
	"trading-risk-engine/internal/circuit"
	"trading-risk-engine/internal/database"
	"trading-risk-engine/internal/engine"
	"trading-risk-engine/internal/exchange"
	"trading-risk-engine/internal/intent"
	"trading-risk-engine/internal/logging"
	"trading-risk-engine/internal/ops"
	"trading-risk-engine/internal/patterns"
	"trading-risk-engine/internal/portfolio"
	"trading-risk-engine/internal/risk"
	"trading-risk-engine/internal/secrets"
	"trading-risk-engine/internal/settlement"
	"trading-risk-engine/internal/stops"
	"trading-risk-engine/internal/technical"
	"trading-risk-engine/internal/tenant"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	configPath := os.Getenv("RISKENGINE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Str("config", configPath).Msg("risk engine starting")

	ctx := context.Background()

	db, err := database.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Last-price cache. Redis when configured, in-memory otherwise; the
	// cache also degrades to in-memory on its own when Redis drops.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}
	prices := cache.NewPriceCache(redisClient, logger)

	// Exchange credentials come from Vault when enabled, from config
	// otherwise. Mock mode needs neither.
	var credsSource secrets.Source
	if cfg.Vault.Enabled {
		vs, err := secrets.NewVaultSource(cfg.Vault, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to vault")
		}
		credsSource = vs
	} else {
		credsSource = secrets.NewStaticSource(cfg.Binance.APIKey, cfg.Binance.SecretKey, cfg.Binance.TestNet)
	}

	var (
		execPort    exchange.ExecutionPort
		marketPort  exchange.MarketDataPort
		historyPort exchange.HistoryPort
	)
	if cfg.Binance.MockMode {
		mock := exchange.NewMockExchange()
		execPort, marketPort, historyPort = mock, mock, mock
		logger.Warn().Msg("mock exchange active, no orders reach Binance")
	} else {
		creds, err := credsSource.ExchangeCredentials(ctx, cfg.Engine.DefaultTenant)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to resolve exchange credentials")
		}
		limiter := exchange.NewRequestLimiter(cfg.Binance.WeightPerMinute)
		adapter := exchange.NewBinanceAdapter(creds.APIKey, creds.SecretKey, creds.Testnet, limiter, prices, logger)
		execPort, marketPort, historyPort = adapter, adapter, adapter
	}

	tenants := tenant.NewRegistry(db, logger)
	seed, err := defaultTenantConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid tenant defaults")
	}
	if err := tenants.EnsureDefaults(ctx, seed); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed default tenant")
	}
	execLimiter := tenant.NewExecutionLimiter()
	breakers := circuit.NewRegistry(db, cfg.Stops.BreakerThreshold,
		time.Duration(cfg.Stops.BreakerRetrySeconds)*time.Second, logger)
	if err := breakers.Warm(ctx, cfg.Engine.DefaultTenant); err != nil {
		logger.Warn().Err(err).Msg("failed to warm circuit breakers")
	}

	gate := risk.NewEntryGate(db, marketPort, logger)
	sizerCfg := risk.DefaultSizerConfig()
	sizerCfg.QuantityPrecision = cfg.Engine.QuantityPrecision
	sizerCfg.MaxPositionPct = decimal.NewFromFloat(cfg.Risk.MaxPositionPct)
	sizer := risk.NewPositionSizer(sizerCfg)
	stopCalc := technical.NewCalculator(technical.DefaultStopConfig())
	trailCalc := risk.NewTrailingCalculator(risk.TrailingConfig{
		TradingFeePct:     decimal.NewFromFloat(cfg.Stops.TradingFeePct),
		SlippageBufferPct: decimal.NewFromFloat(cfg.Stops.SlippageBufferPct),
	})

	pipeline := intent.NewPipeline(db, tenants, marketPort, execPort, gate, execLimiter,
		stopCalc, sizer, intent.Options{ExecTimeout: cfg.Stops.ExchangeCallTimeout}, logger)

	monitor := stops.NewMonitor(db, prices, tenants, breakers, execPort, marketPort, stops.MonitorConfig{
		PollInterval: cfg.Stops.PollInterval,
		ExecTimeout:  cfg.Stops.ExchangeCallTimeout,
	}, logger)
	trailing := stops.NewTrailingWorker(db, prices, trailCalc, cfg.Stops.TrailingInterval, logger)

	var publisher bus.Publisher
	var natsPub *bus.NATSPublisher
	if cfg.NATS.Enabled {
		natsPub, err = bus.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		publisher = natsPub
	} else {
		publisher = bus.NewMemoryPublisher()
	}
	outbox := stops.NewOutboxPublisher(db, publisher, cfg.Stops.OutboxInterval, cfg.Stops.OutboxBatchSize, logger)

	sweeper := audit.NewSweeper(db, historyPort, pipeline,
		audit.SweeperConfig{Interval: cfg.Stops.ReconcileInterval}, logger)

	valuer := portfolio.NewValuer(marketPort, logger)
	projector := portfolio.NewProjector(db, marketPort, valuer, logger)

	scanner := patterns.NewScanner(db, marketPort, patterns.DefaultDetectors(), patterns.ScannerConfig{
		Symbols:    cfg.Patterns.Symbols,
		Timeframes: cfg.Patterns.Timeframes,
		Interval:   cfg.Patterns.ScanInterval,
		WindowSize: cfg.Patterns.WindowSize,
	}, logger)
	if cfg.Patterns.BridgeEnabled {
		bridge := patterns.NewBridge(db, pipeline, logger)
		scanner.OnAlert(bridge.HandleAlert)
	}

	rollup := settlement.NewRollup(db, settlement.RollupConfig{Interval: cfg.Settlement.Interval}, logger)

	eng := engine.New(engine.Deps{
		Store:     db,
		Tenants:   tenants,
		Intents:   pipeline,
		Gate:      gate,
		Scanner:   scanner,
		Projector: projector,
		Logger:    logger,
	})

	// Registration order is start order; shutdown walks it in reverse,
	// so the price stream outlives the consumers it feeds.
	if !cfg.Binance.MockMode {
		stream := exchange.NewBookTickerStream(cfg.Patterns.Symbols, cfg.Binance.TestNet, monitor, logger)
		eng.RegisterWorker("price_stream", stream)
	}
	eng.RegisterWorker("stop_monitor", monitor)
	eng.RegisterWorker("trailing", trailing)
	eng.RegisterWorker("outbox", outbox)
	eng.RegisterWorker("reconciliation", sweeper)
	if cfg.Settlement.Enabled {
		eng.RegisterWorker("settlement", rollup)
	}
	if cfg.Patterns.Enabled {
		eng.RegisterWorker("pattern_scanner", scanner)
	}

	// Intents stuck in PENDING from a crashed run are re-validated before
	// the workers start acting on fresh ones.
	if cfg.Engine.ReplayPending {
		if n, err := eng.ReplayPending(ctx); err != nil {
			logger.Warn().Err(err).Int("replayed", n).Msg("pending intent replay incomplete")
		}
	}

	if err := eng.StartWorkers(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start workers")
	}

	var opsSrv *ops.Server
	if cfg.Ops.Enabled {
		opsSrv = ops.NewServer(ops.Config{Host: cfg.Ops.Host, Port: cfg.Ops.Port}, eng, logger)
		opsSrv.AddCheck("database", db.HealthCheck)
		if cfg.Redis.Enabled {
			opsSrv.AddCheck("redis", prices.CheckRedisConnection)
		}
		if natsPub != nil {
			opsSrv.AddCheck("nats", natsPub.HealthCheck)
		}
		opsSrv.AddStats("price_cache", prices.Stats)
		opsSrv.AddStats("circuit_breakers", func() map[string]any {
			open := 0
			states := breakers.Snapshot()
			for _, cb := range states {
				if cb.State == database.BreakerOpen {
					open++
				}
			}
			return map[string]any{"tracked": len(states), "open": open}
		})
		if err := opsSrv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start ops server")
		}
	}

	logger.Info().
		Bool("mock", cfg.Binance.MockMode).
		Bool("testnet", cfg.Binance.TestNet).
		Str("default_tenant", cfg.Engine.DefaultTenant).
		Msg("risk engine running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()

	if opsSrv != nil {
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("ops server shutdown error")
		}
	}
	eng.StopWorkers()
	publisher.Close()

	logger.Info().Msg("shutdown complete")
}

// defaultTenantConfig builds the seed row for the single-tenant case.
// EnsureDefaults only inserts it when the tenant does not exist yet, so
// operator edits survive restarts. Live trading starts disabled.
func defaultTenantConfig(cfg *config.Config) (*database.TenantConfig, error) {
	capital, err := decimal.NewFromString(cfg.Engine.DefaultCapital)
	if err != nil {
		return nil, err
	}
	fundingThreshold, err := decimal.NewFromString(cfg.Risk.FundingRateThreshold)
	if err != nil {
		return nil, err
	}
	return &database.TenantConfig{
		TenantID:               cfg.Engine.DefaultTenant,
		Capital:                capital,
		DefaultRiskPct:         decimal.NewFromInt(1),
		TradingEnabled:         true,
		LiveEnabled:            false,
		CooldownEnabled:        cfg.Risk.CooldownEnabled,
		CooldownSeconds:        cfg.Risk.CooldownSeconds,
		FundingCheckEnabled:    cfg.Risk.FundingCheckEnabled,
		FundingRateThreshold:   fundingThreshold,
		FreshnessCheckEnabled:  cfg.Risk.FreshnessCheckEnabled,
		MaxDataAgeSeconds:      cfg.Risk.MaxDataAgeSeconds,
		MaxSlippagePct:         decimal.NewFromFloat(cfg.Risk.MaxSlippagePct),
		SlippagePausePct:       decimal.NewFromFloat(cfg.Risk.SlippagePausePct),
		MaxExecutionsPerMinute: cfg.Risk.MaxExecutionsPerMinute,
		MaxExecutionsPerHour:   cfg.Risk.MaxExecutionsPerHour,
	}, nil
}
