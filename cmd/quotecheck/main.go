// quotecheck runs one quote aggregation round from the command line and
// prints the winning route, without starting the full service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/config"
	"github.com/you/swapfeed/internal/quote"
	"github.com/you/swapfeed/internal/quote/providers"
	"github.com/you/swapfeed/internal/token"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "config file path")
	fromChain := flag.Int64("from-chain", 1, "source chain id")
	toChain := flag.Int64("to-chain", 1, "destination chain id")
	fromAddr := flag.String("from", "", "source token address")
	toAddr := flag.String("to", "", "destination token address")
	amount := flag.String("amount", "", "input amount in smallest units")
	slippage := flag.Float64("slippage", 0.5, "slippage tolerance in percent")
	wallet := flag.String("wallet", "", "recipient wallet address")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	from, err := token.NewKey(*fromChain, *fromAddr)
	if err != nil {
		logger.Fatal("bad -from", zap.Error(err))
	}
	to, err := token.NewKey(*toChain, *toAddr)
	if err != nil {
		logger.Fatal("bad -to", zap.Error(err))
	}
	amt, ok := new(big.Int).SetString(*amount, 10)
	if !ok {
		logger.Fatal("bad -amount", zap.String("amount", *amount))
	}

	store := token.NewStore(logger)
	for _, cc := range cfg.Chains {
		_ = store.LoadChain(cc.ID, cc.TokenList)
	}
	meta, err := token.NewMetadataReader(store, logger)
	if err != nil {
		logger.Fatal("metadata reader", zap.Error(err))
	}

	var ps []quote.Provider
	if cc := cfg.Chain(*fromChain); cc != nil && cc.QuoterV2 != "" && cc.RouterV3 != "" {
		ec, err := ethclient.Dial(cc.RPCHTTP)
		if err != nil {
			logger.Fatal("dial rpc", zap.Error(err))
		}
		meta.RegisterChain(cc.ID, ec)
		uni, err := providers.NewUniV3(cc, ec, meta, cfg.Quote.GasLimitSwap, logger)
		if err != nil {
			logger.Fatal("univ3 provider", zap.Error(err))
		}
		ps = append(ps, uni)
	}
	for _, pc := range cfg.Quote.Swap {
		ps = append(ps, providers.NewHTTPSwap(pc, logger))
	}
	for _, pc := range cfg.Quote.Bridge {
		ps = append(ps, providers.NewHTTPBridge(pc, logger))
	}

	engine := quote.NewEngine(ps, quote.EngineOptions{
		ProviderTimeout: cfg.ProviderTimeout(),
		CacheTTL:        cfg.QuoteTTL(),
		GasMarginPct:    cfg.Quote.GasMarginPct,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := engine.Best(ctx, quote.Request{
		From:     from,
		To:       to,
		AmountIn: amt,
		Slippage: *slippage,
		Wallet:   *wallet,
	})
	if err != nil {
		logger.Fatal("no quote", zap.Error(err))
	}

	out := map[string]interface{}{"quote": res}
	if tx, err := engine.BuildTransaction(res); err == nil {
		out["tx"] = tx
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
