package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/config"
	"github.com/you/swapfeed/internal/quote"
)

// swapResp is the wire shape of the aggregator-style swap services. Amounts
// come as decimal strings, calldata as 0x-hex.
type swapResp struct {
	DstAmount   string `json:"dstAmount"`
	DstDecimals int    `json:"dstDecimals"`
	Tx          struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
		Gas   uint64 `json:"gas"`
	} `json:"tx"`
}

// HTTPSwap queries one external same-chain swap-quote service.
type HTTPSwap struct {
	log     *zap.Logger
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPSwap(cfg config.HTTPProviderCfg, log *zap.Logger) *HTTPSwap {
	return &HTTPSwap{
		log:     log,
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: 6 * time.Second},
	}
}

func (p *HTTPSwap) ID() quote.ProviderID { return quote.ProviderID(p.name) }
func (p *HTTPSwap) Bridge() bool         { return false }

func (p *HTTPSwap) Quote(ctx context.Context, req quote.Request) (*quote.Result, error) {
	params := url.Values{}
	params.Set("chainId", fmt.Sprintf("%d", req.From.ChainID))
	params.Set("src", req.From.Address)
	params.Set("dst", req.To.Address)
	params.Set("amount", req.AmountIn.String())
	params.Set("slippage", fmt.Sprintf("%g", req.Slippage))
	params.Set("from", req.Wallet)

	endpoint := p.baseURL + "/quote?" + params.Encode()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
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
		return nil, fmt.Errorf("%s quote %d: %s", p.name, resp.StatusCode, string(b))
	}

	var sr swapResp
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("%s decode: %w", p.name, err)
	}
	return decodeWire(p.name, sr.DstAmount, sr.DstDecimals, sr.Tx.To, sr.Tx.Data, sr.Tx.Value, sr.Tx.Gas)
}

// decodeWire converts the string-typed wire fields shared by the HTTP
// providers into a Result. A missing or unparsable amount is an error, and
// decimals are passed through untouched so the engine can reject absent
// ones.
func decodeWire(name, amount string, decimals int, txTo, txData, txValue string, gas uint64) (*quote.Result, error) {
	raw, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("%s: bad output amount %q", name, amount)
	}

	var data []byte
	if txData != "" {
		b, err := hexutil.Decode(txData)
		if err != nil {
			return nil, fmt.Errorf("%s: bad calldata: %w", name, err)
		}
		data = b
	}
	value := big.NewInt(0)
	if txValue != "" {
		if _, ok := value.SetString(txValue, 10); !ok {
			return nil, fmt.Errorf("%s: bad native value %q", name, txValue)
		}
	}
	return &quote.Result{
		RawOut:       raw,
		DestDecimals: decimals,
		Payload: quote.TxPayload{
			To:          txTo,
			Data:        data,
			Value:       value,
			GasEstimate: gas,
		},
	}, nil
}
