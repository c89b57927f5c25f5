package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainCfg describes one supported chain and the on-chain contracts the
// price source and quote providers need on it.
type ChainCfg struct {
	ID        int64    `yaml:"id"`
	Name      string   `yaml:"name"`
	RPCHTTP   string   `yaml:"rpc_http"`
	Stable    string   `yaml:"stable"` // USD-pegged token prices are read against
	FactoryV3 string   `yaml:"factory_v3"`
	FactoryV2 string   `yaml:"factory_v2"`
	RouterV3  string   `yaml:"router_v3"`
	QuoterV2  string   `yaml:"quoter_v2"`
	Multicall string   `yaml:"multicall"`
	FeeTiers  []uint32 `yaml:"fee_tiers"`
	TokenList string   `yaml:"token_list"` // path to the persisted token-list file
}

type HTTPProviderCfg struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type Config struct {
	Listen string     `yaml:"listen"`
	Chains []ChainCfg `yaml:"chains"`

	Stream struct {
		Path          string `yaml:"path"`
		TickMs        int    `yaml:"tick_ms"`
		IdleSweepMs   int    `yaml:"idle_sweep_ms"`
		IdleCutoffMs  int    `yaml:"idle_cutoff_ms"`
		WriteWaitMs   int    `yaml:"write_wait_ms"`
		PingPeriodSec int    `yaml:"ping_period_sec"`
	} `yaml:"stream"`

	Cache struct {
		PriceTTLMs     int `yaml:"price_ttl_ms"`
		AnalyticsTTLMs int `yaml:"analytics_ttl_ms"`
		IconTTLMs      int `yaml:"icon_ttl_ms"`
		QuoteTTLMs     int `yaml:"quote_ttl_ms"`
	} `yaml:"cache"`

	Watchlist struct {
		EvictAfterMs int `yaml:"evict_after_ms"`
		SweepMs      int `yaml:"sweep_ms"`
	} `yaml:"watchlist"`

	Scheduler struct {
		Concurrency    int `yaml:"concurrency"`
		MulticallChunk int `yaml:"multicall_chunk"`
	} `yaml:"scheduler"`

	Quote struct {
		ProviderTimeoutMs int               `yaml:"provider_timeout_ms"`
		GasMarginPct      int               `yaml:"gas_margin_pct"`
		GasLimitSwap      uint64            `yaml:"gas_limit_swap"`
		Swap              []HTTPProviderCfg `yaml:"swap"`
		Bridge            []HTTPProviderCfg `yaml:"bridge"`
	} `yaml:"quote"`

	Analytics struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"analytics"`

	Icons struct {
		TrustWalletBase string `yaml:"trustwallet_base"`
		DexScreenerBase string `yaml:"dexscreener_base"`
		Placeholder     string `yaml:"placeholder"`
	} `yaml:"icons"`

	Redis struct {
		Addr      string `yaml:"addr"`
		DB        int    `yaml:"db"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		Stream    string `yaml:"stream"`
		ActiveKey string `yaml:"active_key"`
		SnapNS    string `yaml:"snap_ns"`
	} `yaml:"redis"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Stream.Path == "" {
		c.Stream.Path = "/ws"
	}
	if c.Stream.TickMs == 0 {
		c.Stream.TickMs = 5000
	}
	if c.Stream.IdleSweepMs == 0 {
		c.Stream.IdleSweepMs = 60_000
	}
	if c.Stream.IdleCutoffMs == 0 {
		c.Stream.IdleCutoffMs = 300_000
	}
	if c.Stream.WriteWaitMs == 0 {
		c.Stream.WriteWaitMs = 10_000
	}
	if c.Stream.PingPeriodSec == 0 {
		c.Stream.PingPeriodSec = 30
	}
	if c.Cache.PriceTTLMs == 0 {
		c.Cache.PriceTTLMs = 20_000
	}
	if c.Cache.AnalyticsTTLMs == 0 {
		c.Cache.AnalyticsTTLMs = 3_600_000
	}
	if c.Cache.IconTTLMs == 0 {
		c.Cache.IconTTLMs = 7 * 24 * 3_600_000
	}
	if c.Cache.QuoteTTLMs == 0 {
		c.Cache.QuoteTTLMs = 15_000
	}
	if c.Watchlist.EvictAfterMs == 0 {
		c.Watchlist.EvictAfterMs = 3_600_000
	}
	if c.Watchlist.SweepMs == 0 {
		c.Watchlist.SweepMs = 30_000
	}
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = 8
	}
	if c.Scheduler.MulticallChunk == 0 {
		c.Scheduler.MulticallChunk = 50
	}
	if c.Quote.ProviderTimeoutMs == 0 {
		c.Quote.ProviderTimeoutMs = 4000
	}
	if c.Quote.GasMarginPct == 0 {
		c.Quote.GasMarginPct = 25
	}
	if c.Quote.GasLimitSwap == 0 {
		c.Quote.GasLimitSwap = 350_000
	}
	if c.Icons.TrustWalletBase == "" {
		c.Icons.TrustWalletBase = "https://raw.githubusercontent.com/trustwallet/assets/master/blockchains"
	}
	if c.Icons.DexScreenerBase == "" {
		c.Icons.DexScreenerBase = "https://dd.dexscreener.com/ds-data/tokens"
	}
	if c.Icons.Placeholder == "" {
		c.Icons.Placeholder = "/static/token-placeholder.svg"
	}
	if c.Analytics.BaseURL == "" {
		c.Analytics.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "price:stream"
	}
	if c.Redis.ActiveKey == "" {
		c.Redis.ActiveKey = "price:active"
	}
	if c.Redis.SnapNS == "" {
		c.Redis.SnapNS = "price:last:"
	}
	for i := range c.Chains {
		if len(c.Chains[i].FeeTiers) == 0 {
			c.Chains[i].FeeTiers = []uint32{100, 500, 3000, 10000}
		}
		if c.Chains[i].TokenList == "" {
			c.Chains[i].TokenList = fmt.Sprintf("tokens.%d.json", c.Chains[i].ID)
		}
	}
	return &c, nil
}

// Chain returns the config block for a chain id, nil when the chain is not
// configured.
func (c *Config) Chain(id int64) *ChainCfg {
	for i := range c.Chains {
		if c.Chains[i].ID == id {
			return &c.Chains[i]
		}
	}
	return nil
}

func (c *Config) StreamTick() time.Duration {
	return time.Duration(c.Stream.TickMs) * time.Millisecond
}
func (c *Config) IdleSweep() time.Duration {
	return time.Duration(c.Stream.IdleSweepMs) * time.Millisecond
}
func (c *Config) IdleCutoff() time.Duration {
	return time.Duration(c.Stream.IdleCutoffMs) * time.Millisecond
}
func (c *Config) WriteWait() time.Duration {
	return time.Duration(c.Stream.WriteWaitMs) * time.Millisecond
}
func (c *Config) PingPeriod() time.Duration {
	return time.Duration(c.Stream.PingPeriodSec) * time.Second
}
func (c *Config) PriceTTL() time.Duration {
	return time.Duration(c.Cache.PriceTTLMs) * time.Millisecond
}
func (c *Config) AnalyticsTTL() time.Duration {
	return time.Duration(c.Cache.AnalyticsTTLMs) * time.Millisecond
}
func (c *Config) IconTTL() time.Duration {
	return time.Duration(c.Cache.IconTTLMs) * time.Millisecond
}
func (c *Config) QuoteTTL() time.Duration {
	return time.Duration(c.Cache.QuoteTTLMs) * time.Millisecond
}
func (c *Config) EvictAfter() time.Duration {
	return time.Duration(c.Watchlist.EvictAfterMs) * time.Millisecond
}
func (c *Config) EvictSweep() time.Duration {
	return time.Duration(c.Watchlist.SweepMs) * time.Millisecond
}
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Quote.ProviderTimeoutMs) * time.Millisecond
}
