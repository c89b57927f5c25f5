// Package providers holds the concrete quote sources queried by the
// aggregation engine: a direct Uniswap QuoterV2 read and generic HTTP
// swap/bridge services.
package providers

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/config"
	"github.com/you/swapfeed/internal/quote"
	"github.com/you/swapfeed/internal/token"
)

const quoterV2ABI = `[
  {"inputs":[{"components":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint24","name":"fee","type":"uint24"},{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],"internalType":"struct IQuoterV2.QuoteExactInputSingleParams","name":"params","type":"tuple"}],"name":"quoteExactInputSingle","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"},{"internalType":"uint160","name":"sqrtPriceX96After","type":"uint160"},{"internalType":"uint32","name":"initializedTicksCrossed","type":"uint32"},{"internalType":"uint256","name":"gasEstimate","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`

const routerABI = `[
  {"inputs":[{"components":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"},{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMinimum","type":"uint256"},{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],"internalType":"struct ISwapRouter.ExactInputSingleParams","name":"params","type":"tuple"}],"name":"exactInputSingle","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"}
]`

type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type decimalsReader interface {
	Decimals(ctx context.Context, k token.Key) (int, error)
}

// UniV3 quotes same-chain swaps by calling QuoterV2 directly over RPC and
// builds router exactInputSingle calldata for execution. No third-party
// quote service involved.
type UniV3 struct {
	log      *zap.Logger
	cc       *config.ChainCfg
	caller   contractCaller
	meta     decimalsReader
	q2abi    abi.ABI
	rabi     abi.ABI
	quoter   common.Address
	router   common.Address
	gasLimit uint64
}

func NewUniV3(cc *config.ChainCfg, caller contractCaller, meta decimalsReader, gasLimit uint64, log *zap.Logger) (*UniV3, error) {
	if cc.QuoterV2 == "" || cc.RouterV3 == "" {
		return nil, fmt.Errorf("chain %d: quoter_v2 and router_v3 must be configured", cc.ID)
	}
	q2abi, err := abi.JSON(strings.NewReader(quoterV2ABI))
	if err != nil {
		return nil, fmt.Errorf("parse quoter v2 abi: %w", err)
	}
	rabi, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	return &UniV3{
		log:      log,
		cc:       cc,
		caller:   caller,
		meta:     meta,
		q2abi:    q2abi,
		rabi:     rabi,
		quoter:   common.HexToAddress(cc.QuoterV2),
		router:   common.HexToAddress(cc.RouterV3),
		gasLimit: gasLimit,
	}, nil
}

func (p *UniV3) ID() quote.ProviderID {
	return quote.ProviderID(fmt.Sprintf("univ3-%d", p.cc.ID))
}

func (p *UniV3) Bridge() bool { return false }

// Quote tries every configured fee tier and keeps the best output, then
// packs router calldata honoring the slippage tolerance.
func (p *UniV3) Quote(ctx context.Context, req quote.Request) (*quote.Result, error) {
	if req.From.ChainID != p.cc.ID {
		return nil, fmt.Errorf("chain %d not served by this provider", req.From.ChainID)
	}
	tokenIn := common.HexToAddress(req.From.Address)
	tokenOut := common.HexToAddress(req.To.Address)

	var (
		bestOut *big.Int
		bestFee uint32
		bestGas uint64
		lastErr error
	)
	for _, fee := range p.cc.FeeTiers {
		out, gas, err := p.quoteTier(ctx, tokenIn, tokenOut, req.AmountIn, fee)
		if err != nil {
			lastErr = err
			continue
		}
		if bestOut == nil || out.Cmp(bestOut) > 0 {
			bestOut, bestFee, bestGas = out, fee, gas
		}
	}
	if bestOut == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no fee tier produced a quote")
		}
		return nil, lastErr
	}

	decimals, err := p.meta.Decimals(ctx, req.To)
	if err != nil {
		return nil, fmt.Errorf("destination decimals: %w", err)
	}

	calldata, err := p.packSwap(tokenIn, tokenOut, req, bestOut, bestFee)
	if err != nil {
		return nil, err
	}
	gas := bestGas
	if gas == 0 {
		gas = p.gasLimit
	}
	return &quote.Result{
		RawOut:       bestOut,
		DestDecimals: decimals,
		Payload: quote.TxPayload{
			To:          p.router.Hex(),
			Data:        calldata,
			Value:       big.NewInt(0),
			GasEstimate: gas,
		},
	}, nil
}

func (p *UniV3) quoteTier(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, fee uint32) (*big.Int, uint64, error) {
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		AmountIn          *big.Int
		Fee               *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		AmountIn:          amountIn,
		Fee:               big.NewInt(int64(fee)),
		SqrtPriceLimitX96: big.NewInt(0),
	}
	input, err := p.q2abi.Pack("quoteExactInputSingle", params)
	if err != nil {
		return nil, 0, fmt.Errorf("pack quoteExactInputSingle: %w", err)
	}
	res, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.quoter, Data: input}, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("quoter call fee=%d: %w", fee, err)
	}
	outs, err := p.q2abi.Methods["quoteExactInputSingle"].Outputs.Unpack(res)
	if err != nil || len(outs) < 4 {
		if err == nil {
			err = fmt.Errorf("short quoter output")
		}
		return nil, 0, fmt.Errorf("decode quoter output: %w", err)
	}
	amountOut, ok := outs[0].(*big.Int)
	if !ok || amountOut.Sign() <= 0 {
		return nil, 0, fmt.Errorf("empty quote at fee=%d", fee)
	}
	var gas uint64
	if g, ok := outs[3].(*big.Int); ok {
		gas = g.Uint64()
	}
	return amountOut, gas, nil
}

func (p *UniV3) packSwap(tokenIn, tokenOut common.Address, req quote.Request, amountOut *big.Int, fee uint32) ([]byte, error) {
	minOut := applySlippage(amountOut, req.Slippage)
	deadline := time.Now().Add(2 * time.Minute).Unix()
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		Fee:               big.NewInt(int64(fee)),
		Recipient:         common.HexToAddress(req.Wallet),
		Deadline:          big.NewInt(deadline),
		AmountIn:          req.AmountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: big.NewInt(0),
	}
	data, err := p.rabi.Pack("exactInputSingle", params)
	if err != nil {
		return nil, fmt.Errorf("pack exactInputSingle: %w", err)
	}
	return data, nil
}

// applySlippage scales the amount down by pct percent using basis points,
// avoiding float rounding on token amounts.
func applySlippage(amount *big.Int, pct float64) *big.Int {
	bps := int64(pct * 100)
	if bps <= 0 {
		return new(big.Int).Set(amount)
	}
	if bps > 10_000 {
		bps = 10_000
	}
	out := new(big.Int).Mul(amount, big.NewInt(10_000-bps))
	return out.Div(out, big.NewInt(10_000))
}
