// Package multicall batches many read-only contract calls into single
// eth_call round trips against a deployed Multicall2 contract.
package multicall

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multicall2ABI = `[
{
    "inputs": [
        {"name": "requireSuccess", "type": "bool"},
        {
            "components": [
                {"name": "target", "type": "address"},
                {"name": "callData", "type": "bytes"}
            ],
            "name": "calls",
            "type": "tuple[]"
        }
    ],
    "name": "tryAggregate",
    "outputs": [
        {
            "components": [
                {"name": "success", "type": "bool"},
                {"name": "returnData", "type": "bytes"}
            ],
            "name": "returnData",
            "type": "tuple[]"
        }
    ],
    "stateMutability": "nonpayable",
    "type": "function"
}
]`

type Call struct {
	Target   common.Address
	CallData []byte
}

type Result struct {
	Success bool
	Data    []byte
}

type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type IClient interface {
	Aggregate(ctx context.Context, calls []Call) ([]Result, error)
	AggregateChunked(ctx context.Context, calls []Call, chunk int) ([]Result, error)
}

type Client struct {
	c    contractCaller
	addr common.Address
	abi  abi.ABI
}

func New(c contractCaller, multicallAddr common.Address) (IClient, error) {
	parsedABI, err := abi.JSON(strings.NewReader(multicall2ABI))
	if err != nil {
		return nil, fmt.Errorf("bad abi: %w", err)
	}
	return &Client{c: c, addr: multicallAddr, abi: parsedABI}, nil
}

// Aggregate issues all calls in one eth_call. Individual call failures are
// reported per-result, they do not fail the batch.
func (c *Client) Aggregate(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	payload, err := c.abi.Pack("tryAggregate", false, calls)
	if err != nil {
		return nil, fmt.Errorf("pack tryAggregate: %w", err)
	}

	res, err := c.c.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call tryAggregate: %w", err)
	}

	outs, err := c.abi.Methods["tryAggregate"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty tryAggregate output")
		}
		return nil, fmt.Errorf("unpack tryAggregate: %w", err)
	}

	raw, ok := outs[0].([]struct {
		Success    bool   `json:"success"`
		ReturnData []byte `json:"returnData"`
	})
	if !ok {
		return nil, fmt.Errorf("unexpected tryAggregate output type %T", outs[0])
	}
	if len(raw) != len(calls) {
		return nil, fmt.Errorf("tryAggregate returned %d results for %d calls", len(raw), len(calls))
	}

	out := make([]Result, len(raw))
	for i, r := range raw {
		out[i] = Result{Success: r.Success && len(r.ReturnData) > 0, Data: r.ReturnData}
	}
	return out, nil
}

// AggregateChunked splits the call list into batches of at most chunk calls
// so one oversized batch cannot blow the node's gas or response limits.
func (c *Client) AggregateChunked(ctx context.Context, calls []Call, chunk int) ([]Result, error) {
	if chunk <= 0 || len(calls) <= chunk {
		return c.Aggregate(ctx, calls)
	}
	out := make([]Result, 0, len(calls))
	for start := 0; start < len(calls); start += chunk {
		end := start + chunk
		if end > len(calls) {
			end = len(calls)
		}
		part, err := c.Aggregate(ctx, calls[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}
