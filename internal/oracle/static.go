package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/reservo/internal/wei"
)

// StaticFeed always answers with a configured price. It backs development
// setups without an RPC endpoint and tests.
type StaticFeed struct {
	mu        sync.RWMutex
	answer    *big.Int
	decimals  uint8
	updatedAt time.Time
	nowFn     func() time.Time
	err       error
}

// NewStaticFeed creates a feed reporting answer/10^decimals USD per ether,
// timestamped at the moment of each read.
func NewStaticFeed(answer *big.Int, decimals uint8) *StaticFeed {
	return &StaticFeed{answer: wei.Clone(answer), decimals: decimals, nowFn: time.Now}
}

// WithClock overrides the time source used for UpdatedAt.
func (s *StaticFeed) WithClock(now func() time.Time) *StaticFeed {
	if now != nil {
		s.nowFn = now
	}
	return s
}

// Set replaces the answer. A non-zero updatedAt pins the timestamp.
func (s *StaticFeed) Set(answer *big.Int, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answer = wei.Clone(answer)
	s.updatedAt = updatedAt
}

// Fail makes every read return err until cleared with Fail(nil).
func (s *StaticFeed) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticFeed) LatestPrice(_ context.Context) (*Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}
	at := s.updatedAt
	if at.IsZero() {
		at = s.nowFn()
	}
	return &Price{
		Answer:    wei.Clone(s.answer),
		Decimals:  s.decimals,
		UpdatedAt: at.UTC(),
		Source:    "static",
	}, nil
}

var _ Feed = (*StaticFeed)(nil)
