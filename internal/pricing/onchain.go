package pricing

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/config"
	"github.com/you/swapfeed/internal/multicall"
	"github.com/you/swapfeed/internal/token"
)

const factoryV3ABI = `[
  {"inputs":[
     {"internalType":"address","name":"tokenA","type":"address"},
     {"internalType":"address","name":"tokenB","type":"address"},
     {"internalType":"uint24","name":"fee","type":"uint24"}],
   "name":"getPool","outputs":[{"internalType":"address","name":"pool","type":"address"}],
   "stateMutability":"view","type":"function"}
]`

const factoryV2ABI = `[
  {"inputs":[
     {"internalType":"address","name":"tokenA","type":"address"},
     {"internalType":"address","name":"tokenB","type":"address"}],
   "name":"getPair","outputs":[{"internalType":"address","name":"pair","type":"address"}],
   "stateMutability":"view","type":"function"}
]`

const poolV3ABI = `[
  {"inputs":[],"name":"slot0","outputs":[
     {"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
     {"internalType":"int24","name":"tick","type":"int24"},
     {"internalType":"uint16","name":"observationIndex","type":"uint16"},
     {"internalType":"uint16","name":"observationCardinality","type":"uint16"},
     {"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},
     {"internalType":"uint8","name":"feeProtocol","type":"uint8"},
     {"internalType":"bool","name":"unlocked","type":"bool"}],
   "stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const pairV2ABI = `[
  {"inputs":[],"name":"getReserves","outputs":[
     {"internalType":"uint112","name":"reserve0","type":"uint112"},
     {"internalType":"uint112","name":"reserve1","type":"uint112"},
     {"internalType":"uint32","name":"blockTimestampLast","type":"uint32"}],
   "stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const erc20DecimalsABI = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// poolRef is a resolved price venue for one token: either a V3 pool read via
// slot0 or a V2 pair read via getReserves, always against the chain's stable.
type poolRef struct {
	addr   common.Address
	v2     bool
	token0 common.Address
	dec0   int
	dec1   int
}

// OnchainSource derives spot USD prices from DEX pool state on one chain.
// The pool for a token is resolved once (walking the configured V3 fee
// tiers, then the V2 factory) and cached.
type OnchainSource struct {
	log     *zap.Logger
	chainID int64
	caller  contractCaller
	mc      multicall.IClient
	chunk   int

	factoryV3 common.Address
	factoryV2 common.Address
	stable    common.Address
	feeTiers  []uint32

	f3abi   abi.ABI
	f2abi   abi.ABI
	pabi    abi.ABI
	pairabi abi.ABI
	eabi    abi.ABI

	mu       sync.Mutex
	pools    map[common.Address]poolRef
	decimals map[common.Address]int
}

func NewOnchainSource(cc *config.ChainCfg, caller contractCaller, mc multicall.IClient, chunk int, log *zap.Logger) (*OnchainSource, error) {
	f3abi, err := abi.JSON(strings.NewReader(factoryV3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse v3 factory abi: %w", err)
	}
	f2abi, err := abi.JSON(strings.NewReader(factoryV2ABI))
	if err != nil {
		return nil, fmt.Errorf("parse v2 factory abi: %w", err)
	}
	pabi, err := abi.JSON(strings.NewReader(poolV3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	pairabi, err := abi.JSON(strings.NewReader(pairV2ABI))
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	eabi, err := abi.JSON(strings.NewReader(erc20DecimalsABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if cc.Stable == "" {
		return nil, fmt.Errorf("chain %d: stable token not configured", cc.ID)
	}

	return &OnchainSource{
		log:       log,
		chainID:   cc.ID,
		caller:    caller,
		mc:        mc,
		chunk:     chunk,
		factoryV3: common.HexToAddress(cc.FactoryV3),
		factoryV2: common.HexToAddress(cc.FactoryV2),
		stable:    common.HexToAddress(cc.Stable),
		feeTiers:  cc.FeeTiers,
		f3abi:     f3abi,
		f2abi:     f2abi,
		pabi:      pabi,
		pairabi:   pairabi,
		eabi:      eabi,
		pools:     make(map[common.Address]poolRef),
		decimals:  make(map[common.Address]int),
	}, nil
}

// Price reads the current USD price for one token.
func (s *OnchainSource) Price(ctx context.Context, k token.Key) (float64, error) {
	addr := common.HexToAddress(k.Address)
	if addr == s.stable {
		return 1.0, nil
	}
	ref, err := s.resolvePool(ctx, addr)
	if err != nil {
		return 0, err
	}
	return s.readPrice(ctx, addr, ref)
}

// BatchPrices reads prices for many tokens, batching the pool state reads
// through multicall. Tokens whose read fails are absent from the result; a
// partial map is not an error.
func (s *OnchainSource) BatchPrices(ctx context.Context, keys []token.Key) (map[token.Key]float64, error) {
	out := make(map[token.Key]float64, len(keys))

	type pending struct {
		key  token.Key
		addr common.Address
		ref  poolRef
	}
	var batch []pending

	for _, k := range keys {
		addr := common.HexToAddress(k.Address)
		if addr == s.stable {
			out[k] = 1.0
			continue
		}
		ref, err := s.resolvePool(ctx, addr)
		if err != nil {
			s.log.Debug("pool resolution failed", zap.String("token", k.String()), zap.Error(err))
			continue
		}
		batch = append(batch, pending{key: k, addr: addr, ref: ref})
	}

	if len(batch) == 0 {
		return out, nil
	}
	if s.mc == nil {
		// No multicall contract on this chain: fall back to per-token reads.
		for _, p := range batch {
			px, err := s.readPrice(ctx, p.addr, p.ref)
			if err == nil && px > 0 {
				out[p.key] = px
			}
		}
		return out, nil
	}

	calls := make([]multicall.Call, len(batch))
	for i, p := range batch {
		method := "slot0"
		mabi := s.pabi
		if p.ref.v2 {
			method = "getReserves"
			mabi = s.pairabi
		}
		data, err := mabi.Pack(method)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", method, err)
		}
		calls[i] = multicall.Call{Target: p.ref.addr, CallData: data}
	}

	results, err := s.mc.AggregateChunked(ctx, calls, s.chunk)
	if err != nil {
		return nil, fmt.Errorf("multicall price batch: %w", err)
	}

	for i, res := range results {
		if !res.Success {
			continue
		}
		p := batch[i]
		var px float64
		var derr error
		if p.ref.v2 {
			px, derr = s.decodeReservesPrice(p.addr, p.ref, res.Data)
		} else {
			px, derr = s.decodeSlot0Price(p.addr, p.ref, res.Data)
		}
		if derr != nil || px <= 0 {
			continue
		}
		out[p.key] = px
	}
	return out, nil
}

func (s *OnchainSource) resolvePool(ctx context.Context, tok common.Address) (poolRef, error) {
	s.mu.Lock()
	ref, ok := s.pools[tok]
	s.mu.Unlock()
	if ok {
		return ref, nil
	}

	var lastErr error
	if s.factoryV3 != (common.Address{}) {
		for _, fee := range s.feeTiers {
			pool, err := s.getPoolV3(ctx, tok, fee)
			if err != nil {
				lastErr = err
				continue
			}
			if pool == (common.Address{}) {
				continue
			}
			ref, err = s.describePool(ctx, tok, pool, false)
			if err != nil {
				lastErr = err
				continue
			}
			s.mu.Lock()
			s.pools[tok] = ref
			s.mu.Unlock()
			return ref, nil
		}
	}

	if s.factoryV2 != (common.Address{}) {
		pair, err := s.getPairV2(ctx, tok)
		if err == nil && pair != (common.Address{}) {
			ref, err = s.describePool(ctx, tok, pair, true)
			if err == nil {
				s.mu.Lock()
				s.pools[tok] = ref
				s.mu.Unlock()
				return ref, nil
			}
			lastErr = err
		} else if err != nil {
			lastErr = err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no pool against stable for %s", tok.Hex())
	}
	return poolRef{}, lastErr
}

func (s *OnchainSource) getPoolV3(ctx context.Context, tok common.Address, fee uint32) (common.Address, error) {
	input, err := s.f3abi.Pack("getPool", tok, s.stable, big.NewInt(int64(fee)))
	if err != nil {
		return common.Address{}, fmt.Errorf("pack getPool: %w", err)
	}
	res, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.factoryV3, Data: input}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("call getPool fee %d: %w", fee, err)
	}
	outs, err := s.f3abi.Methods["getPool"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty getPool output")
		}
		return common.Address{}, fmt.Errorf("decode getPool: %w", err)
	}
	return outs[0].(common.Address), nil
}

func (s *OnchainSource) getPairV2(ctx context.Context, tok common.Address) (common.Address, error) {
	input, err := s.f2abi.Pack("getPair", tok, s.stable)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack getPair: %w", err)
	}
	res, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.factoryV2, Data: input}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("call getPair: %w", err)
	}
	outs, err := s.f2abi.Methods["getPair"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty getPair output")
		}
		return common.Address{}, fmt.Errorf("decode getPair: %w", err)
	}
	return outs[0].(common.Address), nil
}

func (s *OnchainSource) describePool(ctx context.Context, tok, pool common.Address, v2 bool) (poolRef, error) {
	mabi := s.pabi
	if v2 {
		mabi = s.pairabi
	}
	input, err := mabi.Pack("token0")
	if err != nil {
		return poolRef{}, fmt.Errorf("pack token0: %w", err)
	}
	res, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: input}, nil)
	if err != nil {
		return poolRef{}, fmt.Errorf("call token0: %w", err)
	}
	outs, err := mabi.Methods["token0"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty token0 output")
		}
		return poolRef{}, fmt.Errorf("decode token0: %w", err)
	}
	token0 := outs[0].(common.Address)

	var token1 common.Address
	if token0 == tok {
		token1 = s.stable
	} else {
		token1 = tok
	}
	dec0, err := s.erc20Decimals(ctx, token0)
	if err != nil {
		return poolRef{}, err
	}
	dec1, err := s.erc20Decimals(ctx, token1)
	if err != nil {
		return poolRef{}, err
	}
	return poolRef{addr: pool, v2: v2, token0: token0, dec0: dec0, dec1: dec1}, nil
}

func (s *OnchainSource) erc20Decimals(ctx context.Context, tok common.Address) (int, error) {
	s.mu.Lock()
	dec, ok := s.decimals[tok]
	s.mu.Unlock()
	if ok {
		return dec, nil
	}

	input, err := s.eabi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	res, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &tok, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	outs, err := s.eabi.Methods["decimals"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty decimals output")
		}
		return 0, fmt.Errorf("decode decimals: %w", err)
	}
	switch v := outs[0].(type) {
	case uint8:
		dec = int(v)
	case *big.Int:
		dec = int(v.Int64())
	default:
		return 0, fmt.Errorf("unexpected decimals type %T", v)
	}
	s.mu.Lock()
	s.decimals[tok] = dec
	s.mu.Unlock()
	return dec, nil
}

func (s *OnchainSource) readPrice(ctx context.Context, tok common.Address, ref poolRef) (float64, error) {
	method := "slot0"
	mabi := s.pabi
	if ref.v2 {
		method = "getReserves"
		mabi = s.pairabi
	}
	input, err := mabi.Pack(method)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &ref.addr, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", method, err)
	}
	if ref.v2 {
		return s.decodeReservesPrice(tok, ref, res)
	}
	return s.decodeSlot0Price(tok, ref, res)
}

// decodeSlot0Price converts sqrtPriceX96 into a human USD price of the token.
func (s *OnchainSource) decodeSlot0Price(tok common.Address, ref poolRef, data []byte) (float64, error) {
	outs, err := s.pabi.Methods["slot0"].Outputs.Unpack(data)
	if err != nil || len(outs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty slot0 output")
		}
		return 0, fmt.Errorf("decode slot0: %w", err)
	}
	sqrtPriceX96, ok := outs[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected sqrtPriceX96 type %T", outs[0])
	}
	raw, err := priceFromSqrtX96(sqrtPriceX96)
	if err != nil {
		return 0, err
	}

	// raw is token1-per-token0 in smallest units; scale to human units.
	human := raw * math.Pow10(ref.dec0-ref.dec1)
	if ref.token0 == tok {
		return human, nil
	}
	if human == 0 {
		return 0, fmt.Errorf("zero pool price")
	}
	return 1.0 / human, nil
}

// decodeReservesPrice derives the price from a V2 pair's reserve ratio.
func (s *OnchainSource) decodeReservesPrice(tok common.Address, ref poolRef, data []byte) (float64, error) {
	outs, err := s.pairabi.Methods["getReserves"].Outputs.Unpack(data)
	if err != nil || len(outs) < 2 {
		if err == nil {
			err = fmt.Errorf("short getReserves output")
		}
		return 0, fmt.Errorf("decode getReserves: %w", err)
	}
	r0, ok0 := outs[0].(*big.Int)
	r1, ok1 := outs[1].(*big.Int)
	if !ok0 || !ok1 {
		return 0, fmt.Errorf("unexpected reserve types %T/%T", outs[0], outs[1])
	}
	if r0.Sign() <= 0 || r1.Sign() <= 0 {
		return 0, fmt.Errorf("empty reserves")
	}

	h0 := ToFloat(r0, ref.dec0)
	h1 := ToFloat(r1, ref.dec1)
	if h0 == 0 || h1 == 0 {
		return 0, fmt.Errorf("zero reserve after scaling")
	}
	if ref.token0 == tok {
		return h1 / h0, nil
	}
	return h0 / h1, nil
}

func priceFromSqrtX96(sqrtPriceX96 *big.Int) (float64, error) {
	if sqrtPriceX96.Sign() <= 0 {
		return 0, fmt.Errorf("bad sqrtPriceX96")
	}
	f := new(big.Float).SetPrec(256).SetInt(sqrtPriceX96)
	f.Mul(f, f)
	den := new(big.Float).SetPrec(256).SetFloat64(math.Exp2(192))
	f.Quo(f, den)
	out, _ := f.Float64()
	return out, nil
}

// ToFloat converts a smallest-unit amount into human units.
func ToFloat(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	f.Quo(f, big.NewFloat(math.Pow10(decimals)))
	val, _ := f.Float64()
	return val
}
