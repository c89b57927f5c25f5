package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/config"
	"github.com/you/swapfeed/internal/quote"
)

type bridgeReq struct {
	FromChainID int64   `json:"fromChainId"`
	ToChainID   int64   `json:"toChainId"`
	FromToken   string  `json:"fromToken"`
	ToToken     string  `json:"toToken"`
	Amount      string  `json:"amount"`
	Slippage    float64 `json:"slippage"`
	Recipient   string  `json:"recipient"`
}

type bridgeResp struct {
	ToAmount   string `json:"toAmount"`
	ToDecimals int    `json:"toDecimals"`
	Tx         struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
		Gas   uint64 `json:"gas"`
	} `json:"tx"`
}

// HTTPBridge queries one external cross-chain bridge-quote service.
type HTTPBridge struct {
	log     *zap.Logger
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPBridge(cfg config.HTTPProviderCfg, log *zap.Logger) *HTTPBridge {
	return &HTTPBridge{
		log:     log,
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: 6 * time.Second},
	}
}

func (p *HTTPBridge) ID() quote.ProviderID { return quote.ProviderID(p.name) }
func (p *HTTPBridge) Bridge() bool         { return true }

func (p *HTTPBridge) Quote(ctx context.Context, req quote.Request) (*quote.Result, error) {
	body, err := json.Marshal(bridgeReq{
		FromChainID: req.From.ChainID,
		ToChainID:   req.To.ChainID,
		FromToken:   req.From.Address,
		ToToken:     req.To.Address,
		Amount:      req.AmountIn.String(),
		Slippage:    req.Slippage,
		Recipient:   req.Wallet,
	})
	if err != nil {
		return nil, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/quote", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s bridge quote %d: %s", p.name, resp.StatusCode, string(b))
	}

	var br bridgeResp
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("%s decode: %w", p.name, err)
	}
	return decodeWire(p.name, br.ToAmount, br.ToDecimals, br.Tx.To, br.Tx.Data, br.Tx.Value, br.Tx.Gas)
}
