package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/you/swapfeed/internal/token"
)

// Analytics is the aggregated market data pushed alongside prices.
type Analytics struct {
	PriceUSD       float64   `json:"priceUSD"`
	MarketCap      float64   `json:"marketCap"`
	Volume24h      float64   `json:"volume24h"`
	PriceChange24h float64   `json:"priceChange24h"`
	ImageURL       string    `json:"imageURL,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AnalyticsClient reads per-contract market data from a CoinGecko-compatible
// HTTP API.
type AnalyticsClient struct {
	baseURL   string
	http      *http.Client
	platforms map[int64]string // chain id -> API platform slug
}

func NewAnalyticsClient(baseURL string, platforms map[int64]string) *AnalyticsClient {
	return &AnalyticsClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 6 * time.Second},
		platforms: platforms,
	}
}

type cgContractResp struct {
	Image struct {
		Large string `json:"large"`
		Small string `json:"small"`
	} `json:"image"`
	MarketData struct {
		CurrentPrice            map[string]float64 `json:"current_price"`
		MarketCap               map[string]float64 `json:"market_cap"`
		TotalVolume             map[string]float64 `json:"total_volume"`
		PriceChangePercentage24 float64            `json:"price_change_percentage_24h"`
	} `json:"market_data"`
}

func (c *AnalyticsClient) Fetch(ctx context.Context, k token.Key) (Analytics, error) {
	platform, ok := c.platforms[k.ChainID]
	if !ok {
		return Analytics{}, fmt.Errorf("no analytics platform for chain %d", k.ChainID)
	}

	endpoint := fmt.Sprintf("%s/coins/%s/contract/%s",
		c.baseURL, url.PathEscape(platform), url.PathEscape(strings.ToLower(k.Address)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Analytics{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Analytics{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Analytics{}, fmt.Errorf("analytics %d: %s", resp.StatusCode, string(b))
	}

	var cr cgContractResp
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Analytics{}, fmt.Errorf("decode analytics: %w", err)
	}

	img := cr.Image.Large
	if img == "" {
		img = cr.Image.Small
	}
	return Analytics{
		PriceUSD:       cr.MarketData.CurrentPrice["usd"],
		MarketCap:      cr.MarketData.MarketCap["usd"],
		Volume24h:      cr.MarketData.TotalVolume["usd"],
		PriceChange24h: cr.MarketData.PriceChangePercentage24,
		ImageURL:       img,
		UpdatedAt:      time.Now(),
	}, nil
}
