package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WatchedTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swapfeed_watched_tokens",
		Help: "Tokens with at least one live subscriber",
	})

	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swapfeed_active_subscriptions",
		Help: "Sum of subscriber counts across all watched tokens",
	})

	OpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swapfeed_ws_connections",
		Help: "Open websocket connections",
	})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swapfeed_cache_hits_total",
		Help: "Read-through cache hits by cache name",
	}, []string{"cache"})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swapfeed_cache_misses_total",
		Help: "Read-through cache misses by cache name",
	}, []string{"cache"})

	UpstreamFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swapfeed_upstream_fetches_total",
		Help: "Upstream fetches issued after single-flight dedup",
	}, []string{"cache"})

	BroadcastMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swapfeed_broadcast_messages_total",
		Help: "Messages pushed to websocket subscribers",
	})

	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swapfeed_watchlist_evictions_total",
		Help: "Watchlist entries evicted after the inactivity window",
	})

	ProviderErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swapfeed_quote_provider_errors_total",
		Help: "Quote provider failures (timeout, error, malformed payload)",
	}, []string{"provider"})

	QuoteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swapfeed_quote_latency_seconds",
		Help:    "Time to obtain a quote from one provider",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	RefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swapfeed_refresh_sweep_seconds",
		Help:    "Duration of a bulk price refresh sweep",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(
		WatchedTokens,
		ActiveSubscriptions,
		OpenConnections,
		CacheHits,
		CacheMisses,
		UpstreamFetches,
		BroadcastMessages,
		Evictions,
		ProviderErrors,
		QuoteLatency,
		RefreshDuration,
	)
}
