package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const erc20MetaABI = `[
  {"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"name","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// MetadataReader performs live ERC-20 symbol/name/decimals reads and records
// first-seen addresses into the persisted token list.
type MetadataReader struct {
	log     *zap.Logger
	store   *Store
	eabi    abi.ABI
	callers map[int64]contractCaller
}

func NewMetadataReader(store *Store, log *zap.Logger) (*MetadataReader, error) {
	eabi, err := abi.JSON(strings.NewReader(erc20MetaABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &MetadataReader{
		log:     log,
		store:   store,
		eabi:    eabi,
		callers: make(map[int64]contractCaller),
	}, nil
}

// RegisterChain wires the RPC client used for reads on one chain.
func (m *MetadataReader) RegisterChain(chainID int64, caller contractCaller) {
	m.callers[chainID] = caller
}

// Read returns the token's on-chain metadata. The token list is consulted
// first; a live contract read happens only for unknown addresses, and its
// result is appended to the list.
func (m *MetadataReader) Read(ctx context.Context, k Key) (Info, error) {
	if ti, ok := m.store.Lookup(k); ok {
		return ti, nil
	}

	caller, ok := m.callers[k.ChainID]
	if !ok {
		return Info{}, fmt.Errorf("chain %d not configured", k.ChainID)
	}

	addr := common.HexToAddress(k.Address)

	symbol, err := m.callString(ctx, caller, addr, "symbol")
	if err != nil {
		return Info{}, fmt.Errorf("read symbol of %s: %w", k, err)
	}
	name, err := m.callString(ctx, caller, addr, "name")
	if err != nil {
		name = symbol // plenty of tokens skip name(); symbol is enough
	}
	decimals, err := m.callDecimals(ctx, caller, addr)
	if err != nil {
		return Info{}, fmt.Errorf("read decimals of %s: %w", k, err)
	}

	ti := Info{Address: k.Address, Symbol: symbol, Name: name, Decimals: decimals}
	if err := m.store.Append(k.ChainID, ti); err != nil {
		m.log.Warn("token list append failed", zap.String("token", k.String()), zap.Error(err))
	}
	return ti, nil
}

// Decimals is a convenience wrapper for callers that only need the decimal
// count.
func (m *MetadataReader) Decimals(ctx context.Context, k Key) (int, error) {
	ti, err := m.Read(ctx, k)
	if err != nil {
		return 0, err
	}
	return ti.Decimals, nil
}

func (m *MetadataReader) callString(ctx context.Context, caller contractCaller, to common.Address, method string) (string, error) {
	input, err := m.eabi.Pack(method)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", method, err)
	}
	outs, err := m.eabi.Methods[method].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty %s output", method)
		}
		return "", fmt.Errorf("decode %s: %w", method, err)
	}
	s, ok := outs[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected %s type %T", method, outs[0])
	}
	return strings.TrimSpace(s), nil
}

func (m *MetadataReader) callDecimals(ctx context.Context, caller contractCaller, to common.Address) (int, error) {
	input, err := m.eabi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	outs, err := m.eabi.Methods["decimals"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty decimals output")
		}
		return 0, fmt.Errorf("decode decimals: %w", err)
	}
	switch v := outs[0].(type) {
	case uint8:
		return int(v), nil
	case *big.Int:
		return int(v.Int64()), nil
	default:
		return 0, fmt.Errorf("unexpected decimals type %T", v)
	}
}
