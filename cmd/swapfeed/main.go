package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/you/swapfeed/internal/config"
	"github.com/you/swapfeed/internal/feed"
	"github.com/you/swapfeed/internal/metrics"
	"github.com/you/swapfeed/internal/multicall"
	"github.com/you/swapfeed/internal/pricing"
	"github.com/you/swapfeed/internal/quote"
	"github.com/you/swapfeed/internal/quote/providers"
	"github.com/you/swapfeed/internal/scheduler"
	"github.com/you/swapfeed/internal/server"
	"github.com/you/swapfeed/internal/stream"
	"github.com/you/swapfeed/internal/token"
	"github.com/you/swapfeed/internal/watchlist"
)

func newLogger(debug bool) (*zap.Logger, error) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			MessageKey:     "msg",
			CallerKey:      "caller",
			StacktraceKey:  "stack",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// trustWalletSlugs maps chain ids to the asset-repo directory names used by
// the icon fallback chain.
var trustWalletSlugs = map[int64]string{
	1:     "ethereum",
	10:    "optimism",
	56:    "smartchain",
	137:   "polygon",
	8453:  "base",
	42161: "arbitrum",
}

// analyticsPlatforms maps chain ids to CoinGecko platform slugs.
var analyticsPlatforms = map[int64]string{
	1:     "ethereum",
	10:    "optimistic-ethereum",
	56:    "binance-smart-chain",
	137:   "polygon-pos",
	8453:  "base",
	42161: "arbitrum-one",
}

func main() {
	cfgPath := flag.String("config", "./config.yaml", "config file path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("signal received, shutting down")
		cancel()
	}()

	if cfg.Metrics.ListenAddr != "" {
		metrics.Serve(ctx, cfg.Metrics.ListenAddr, nil, logger)
	}

	store := token.NewStore(logger)
	for _, cc := range cfg.Chains {
		if err := store.LoadChain(cc.ID, cc.TokenList); err != nil {
			logger.Warn("token list load failed", zap.Int64("chain", cc.ID), zap.Error(err))
		}
	}
	meta, err := token.NewMetadataReader(store, logger)
	if err != nil {
		logger.Fatal("metadata reader", zap.Error(err))
	}

	analytics := pricing.NewAnalyticsClient(cfg.Analytics.BaseURL, analyticsPlatforms)
	icons := pricing.NewIconResolver(analytics, store,
		cfg.Icons.TrustWalletBase, cfg.Icons.DexScreenerBase, cfg.Icons.Placeholder,
		trustWalletSlugs, logger)

	svc := pricing.NewService(pricing.Options{
		PriceTTL:     cfg.PriceTTL(),
		AnalyticsTTL: cfg.AnalyticsTTL(),
		IconTTL:      cfg.IconTTL(),
		Concurrency:  cfg.Scheduler.Concurrency,
	}, analytics, icons, logger)

	var engineProviders []quote.Provider
	for i := range cfg.Chains {
		cc := &cfg.Chains[i]
		ec, err := ethclient.Dial(cc.RPCHTTP)
		if err != nil {
			logger.Fatal("dial rpc", zap.Int64("chain", cc.ID), zap.Error(err))
		}
		meta.RegisterChain(cc.ID, ec)

		var mc multicall.IClient
		if cc.Multicall != "" {
			mc, err = multicall.New(ec, common.HexToAddress(cc.Multicall))
			if err != nil {
				logger.Fatal("multicall client", zap.Int64("chain", cc.ID), zap.Error(err))
			}
		}
		src, err := pricing.NewOnchainSource(cc, ec, mc, cfg.Scheduler.MulticallChunk, logger)
		if err != nil {
			logger.Fatal("price source", zap.Int64("chain", cc.ID), zap.Error(err))
		}
		svc.RegisterChain(cc.ID, src)

		if cc.QuoterV2 != "" && cc.RouterV3 != "" {
			uni, err := providers.NewUniV3(cc, ec, meta, cfg.Quote.GasLimitSwap, logger)
			if err != nil {
				logger.Fatal("univ3 provider", zap.Int64("chain", cc.ID), zap.Error(err))
			}
			engineProviders = append(engineProviders, uni)
		}
	}
	for _, pc := range cfg.Quote.Swap {
		engineProviders = append(engineProviders, providers.NewHTTPSwap(pc, logger))
	}
	for _, pc := range cfg.Quote.Bridge {
		engineProviders = append(engineProviders, providers.NewHTTPBridge(pc, logger))
	}
	engine := quote.NewEngine(engineProviders, quote.EngineOptions{
		ProviderTimeout: cfg.ProviderTimeout(),
		CacheTTL:        cfg.QuoteTTL(),
		GasMarginPct:    cfg.Quote.GasMarginPct,
	}, logger)

	registry := watchlist.New(cfg.EvictAfter(), cfg.EvictSweep(), logger)
	go registry.Run(ctx)

	sched := scheduler.New(svc, registry, logger)
	go sched.Run(ctx)

	publisher := feed.NewPublisher(cfg, logger)
	var hubFeed stream.FeedPublisher
	if publisher != nil {
		hubFeed = publisher
		defer publisher.Close()
	}

	hub := stream.NewHub(stream.HubOptions{
		Tick:       cfg.StreamTick(),
		IdleSweep:  cfg.IdleSweep(),
		IdleCutoff: cfg.IdleCutoff(),
	}, registry, svc, sched, hubFeed, logger)
	go hub.Run(ctx)

	api := server.New(cfg.Listen, cfg.Stream.Path, hub.HandleWS, svc, meta, registry, engine, logger)
	logger.Info("swapfeed starting",
		zap.Int("chains", len(cfg.Chains)),
		zap.Int("quote_providers", len(engineProviders)),
		zap.String("listen", cfg.Listen),
	)
	if err := api.Run(ctx); err != nil {
		logger.Fatal("api server", zap.Error(err))
	}

	// Give in-flight pushes a moment to drain.
	time.Sleep(200 * time.Millisecond)
}
