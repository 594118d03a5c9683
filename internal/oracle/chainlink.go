package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/reservo/internal/retry"
)

// aggregatorABI is the read-only subset of AggregatorV3Interface.
const aggregatorABI = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}
  ],"stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		panic(fmt.Sprintf("oracle: invalid aggregator ABI: %v", err))
	}
	return a
}()

// ChainlinkFeed reads latestRoundData from an on-chain aggregator. Any
// ethereum.ContractCaller works; in production it is an *ethclient.Client.
type ChainlinkFeed struct {
	caller   ethereum.ContractCaller
	contract common.Address

	attempts  int
	baseDelay time.Duration

	mu           sync.Mutex
	decimals     uint8
	haveDecimals bool
}

// NewChainlinkFeed creates a feed for the aggregator at contract.
func NewChainlinkFeed(caller ethereum.ContractCaller, contract common.Address) *ChainlinkFeed {
	return &ChainlinkFeed{
		caller:    caller,
		contract:  contract,
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
	}
}

// WithRetry overrides the RPC retry policy.
func (f *ChainlinkFeed) WithRetry(attempts int, baseDelay time.Duration) *ChainlinkFeed {
	f.attempts = attempts
	f.baseDelay = baseDelay
	return f
}

func (f *ChainlinkFeed) LatestPrice(ctx context.Context) (*Price, error) {
	decimals, err := f.loadDecimals(ctx)
	if err != nil {
		return nil, err
	}

	out, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("latestRoundData: unexpected %d outputs", len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("latestRoundData: answer has type %T", out[1])
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("latestRoundData: updatedAt has type %T", out[3])
	}

	return &Price{
		Answer:    answer,
		Decimals:  decimals,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
		Source:    "chainlink:" + strings.ToLower(f.contract.Hex()),
	}, nil
}

// loadDecimals fetches decimals() once; the value is immutable on-chain.
// A failed fetch is retried on the next read.
func (f *ChainlinkFeed) loadDecimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.haveDecimals {
		return f.decimals, nil
	}
	out, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", out[0])
	}
	f.decimals, f.haveDecimals = d, true
	return d, nil
}

// call packs method, executes an eth_call with retries and unpacks the result.
func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	data, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{To: &f.contract, Data: data}

	var raw []byte
	err = retry.Do(ctx, f.attempts, f.baseDelay, func() error {
		var callErr error
		raw, callErr = f.caller.CallContract(ctx, msg, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: empty response (is %s an aggregator?)", method, f.contract.Hex())
	}
	return parsedAggregatorABI.Unpack(method, raw)
}

var _ Feed = (*ChainlinkFeed)(nil)
