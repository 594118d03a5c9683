// Package oracle supplies the ETH/USD price used to quote USD-denominated
// listings in wei and to snapshot the rate on every reservation.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/reservo/internal/wei"
)

var (
	ErrStalePrice   = errors.New("price feed answer is stale")
	ErrInvalidPrice = errors.New("price feed returned a non-positive answer")
	ErrUnavailable  = errors.New("price feed unavailable")
)

// Price is one feed answer: Answer / 10^Decimals USD per ether.
type Price struct {
	Answer    *big.Int  `json:"-"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updatedAt"`
	Source    string    `json:"source"`
}

// MarshalJSON renders the answer as a base-10 string.
func (p Price) MarshalJSON() ([]byte, error) {
	type alias Price
	return json.Marshal(struct {
		alias
		Answer string `json:"answer"`
	}{alias(p), wei.Format(p.Answer)})
}

// Clone returns a deep copy.
func (p *Price) Clone() *Price {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Answer = wei.Clone(p.Answer)
	return &cp
}

// Feed is a source of ETH/USD prices.
type Feed interface {
	LatestPrice(ctx context.Context) (*Price, error)
}

// Guard wraps a feed with answer validation and a staleness bound.
type Guard struct {
	feed   Feed
	maxAge time.Duration
	nowFn  func() time.Time
}

// NewGuard rejects answers older than maxAge. maxAge <= 0 disables the
// staleness check.
func NewGuard(feed Feed, maxAge time.Duration) *Guard {
	return &Guard{feed: feed, maxAge: maxAge, nowFn: time.Now}
}

// WithClock overrides the time source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	if now != nil {
		g.nowFn = now
	}
	return g
}

// LatestPrice returns the wrapped feed's answer if it is positive and fresh.
func (g *Guard) LatestPrice(ctx context.Context) (*Price, error) {
	p, err := g.feed.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if p == nil || p.Answer == nil || p.Answer.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if g.maxAge > 0 {
		age := g.nowFn().Sub(p.UpdatedAt)
		if age > g.maxAge {
			return nil, fmt.Errorf("%w: updated %s ago (max %s)", ErrStalePrice, age.Truncate(time.Second), g.maxAge)
		}
	}
	return p, nil
}

// QuoteToWei converts a USD amount with 18 decimals to wei at price p,
// rounding up so the escrow never falls short of the quote.
//
//	wei = ceil(usd18 × 10^decimals / answer)
func QuoteToWei(usd18 *big.Int, p *Price) (*big.Int, error) {
	if p == nil || p.Answer == nil || p.Answer.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.Decimals)), nil)
	num := new(big.Int).Mul(usd18, scale)
	return wei.CeilDiv(num, p.Answer), nil
}
