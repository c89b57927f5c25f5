// Package quote aggregates swap and bridge routes from independent
// providers and picks the best executable one.
package quote

import (
	"context"
	"fmt"
	"math/big"

	"github.com/you/swapfeed/internal/token"
)

type ProviderID string

// Request is one trade intent. Amount is in the source token's smallest
// unit.
type Request struct {
	From     token.Key
	To       token.Key
	AmountIn *big.Int
	Slippage float64 // tolerance in percent, e.g. 0.5
	Wallet   string
}

// Bridge reports whether the intent crosses chains.
func (r Request) Bridge() bool {
	return r.From.ChainID != r.To.ChainID
}

// CacheKey identifies the full input tuple; any changed field is a
// different quote.
func (r Request) CacheKey() string {
	return fmt.Sprintf("%s>%s|%s|%.4f", r.From, r.To, r.AmountIn, r.Slippage)
}

func (r Request) validate() error {
	if r.AmountIn == nil || r.AmountIn.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// TxPayload is a provider's raw execution recipe: where to send the
// transaction and with what.
type TxPayload struct {
	To          string   `json:"to"`
	Data        []byte   `json:"data"`
	Value       *big.Int `json:"value"`
	GasEstimate uint64   `json:"gasEstimate"`
}

// Result is one provider's answer, already normalized.
type Result struct {
	Provider     ProviderID `json:"provider"`
	RawOut       *big.Int   `json:"rawOut"` // destination smallest units
	Out          float64    `json:"out"`    // human units
	DestDecimals int        `json:"decimals"`
	IsBridge     bool       `json:"isBridge"`
	Payload      TxPayload  `json:"payload"`
}

// TxRequest is the common transaction shape handed to the wallet, with the
// gas safety margin already applied.
type TxRequest struct {
	To       string   `json:"to"`
	Data     []byte   `json:"data"`
	Value    *big.Int `json:"value"`
	GasLimit uint64   `json:"gasLimit"`
}

// Provider is one quote source. Quote returns the raw output amount and the
// destination token's decimals; a provider that cannot state the decimals
// must return an error rather than guess.
type Provider interface {
	ID() ProviderID
	Bridge() bool
	Quote(ctx context.Context, req Request) (*Result, error)
}
