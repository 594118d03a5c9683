package oracle

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/reservo/internal/circuitbreaker"
	"github.com/mbd888/reservo/internal/wei"
)

var epoch = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestGuard_RejectsStaleAndInvalid(t *testing.T) {
	clk := &clock{now: epoch}
	feed := NewStaticFeed(big.NewInt(2000_00000000), 8)
	g := NewGuard(feed, time.Hour).WithClock(clk.Now)
	ctx := context.Background()

	feed.Set(big.NewInt(2000_00000000), epoch.Add(-30*time.Minute))
	p, err := g.LatestPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), p.Decimals)

	feed.Set(big.NewInt(2000_00000000), epoch.Add(-2*time.Hour))
	_, err = g.LatestPrice(ctx)
	assert.ErrorIs(t, err, ErrStalePrice)

	feed.Set(big.NewInt(0), epoch)
	_, err = g.LatestPrice(ctx)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	feed.Fail(errors.New("rpc down"))
	_, err = g.LatestPrice(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGuard_ZeroMaxAgeSkipsStaleness(t *testing.T) {
	feed := NewStaticFeed(big.NewInt(1), 0)
	feed.Set(big.NewInt(1), time.Unix(0, 0))
	_, err := NewGuard(feed, 0).LatestPrice(context.Background())
	assert.NoError(t, err)
}

func TestQuoteToWei(t *testing.T) {
	// $2000.00000000 per ether, 8 decimals.
	p := &Price{Answer: big.NewInt(2000_00000000), Decimals: 8}

	// $100 => 0.05 ether
	got, err := QuoteToWei(new(big.Int).Mul(big.NewInt(100), wei.Ether), p)
	require.NoError(t, err)
	assert.Equal(t, "50000000000000000", got.String())

	// Rounds up: 1 unit of usd18 at $3 => ceil(1e8 / 3e8) = 1 wei.
	p3 := &Price{Answer: big.NewInt(3_00000000), Decimals: 8}
	got, err = QuoteToWei(big.NewInt(1), p3)
	require.NoError(t, err)
	assert.Equal(t, "1", got.String())

	_, err = QuoteToWei(big.NewInt(1), &Price{Answer: big.NewInt(0)})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

type countingFeed struct {
	calls atomic.Int32
	err   error
}

func (c *countingFeed) LatestPrice(context.Context) (*Price, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &Price{Answer: big.NewInt(42), Decimals: 0, UpdatedAt: epoch}, nil
}

func TestCachedFeed_TTL(t *testing.T) {
	clk := &clock{now: epoch}
	up := &countingFeed{}
	c := NewCachedFeed(up, time.Minute, nil).WithClock(clk.Now)
	ctx := context.Background()

	p, err := c.LatestPrice(ctx)
	require.NoError(t, err)
	p.Answer.SetInt64(1) // callers cannot poison the cache

	p, err = c.LatestPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.Answer.Int64())
	assert.Equal(t, int32(1), up.calls.Load())

	clk.now = clk.now.Add(time.Minute)
	_, err = c.LatestPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestCachedFeed_BreakerOpens(t *testing.T) {
	up := &countingFeed{err: errors.New("rpc down")}
	c := NewCachedFeed(up, 0, circuitbreaker.New(2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.LatestPrice(ctx)
		require.Error(t, err)
	}
	_, err := c.LatestPrice(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), up.calls.Load(), "open breaker skips upstream")
}

// fakeAggregator answers eth_call like an AggregatorV3 contract.
type fakeAggregator struct {
	answer    *big.Int
	updatedAt int64
	failures  int
	calls     int
}

func (f *fakeAggregator) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	decimals := parsedAggregatorABI.Methods["decimals"]
	latest := parsedAggregatorABI.Methods["latestRoundData"]
	switch {
	case bytes.Equal(msg.Data[:4], decimals.ID):
		return decimals.Outputs.Pack(uint8(8))
	case bytes.Equal(msg.Data[:4], latest.ID):
		return latest.Outputs.Pack(big.NewInt(7), f.answer, big.NewInt(f.updatedAt), big.NewInt(f.updatedAt), big.NewInt(7))
	}
	return nil, errors.New("unknown selector")
}

func TestChainlinkFeed_LatestPrice(t *testing.T) {
	agg := &fakeAggregator{answer: big.NewInt(3120_50000000), updatedAt: epoch.Unix(), failures: 1}
	addr := common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
	f := NewChainlinkFeed(agg, addr).WithRetry(3, time.Millisecond)

	p, err := f.LatestPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "312050000000", p.Answer.String())
	assert.Equal(t, uint8(8), p.Decimals)
	assert.True(t, p.UpdatedAt.Equal(epoch))
	assert.Contains(t, p.Source, "chainlink:0x5f4ec3df")

	before := agg.calls
	_, err = f.LatestPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, agg.calls, "decimals are cached after the first read")
}

func TestChainlinkFeed_GivesUpAfterRetries(t *testing.T) {
	agg := &fakeAggregator{answer: big.NewInt(1), failures: 10}
	f := NewChainlinkFeed(agg, common.Address{}).WithRetry(2, time.Millisecond)

	_, err := f.LatestPrice(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, agg.calls)
}

func TestHandler_GetPrice(t *testing.T) {
	gin.SetMode(gin.TestMode)
	feed := NewStaticFeed(big.NewInt(2000_00000000), 8)

	r := gin.New()
	NewHandler(feed).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/oracle/price", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"answer":"200000000000"`)
	assert.Contains(t, w.Body.String(), `"source":"static"`)

	feed.Fail(errors.New("down"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/oracle/price", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
