package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/reservo/internal/circuitbreaker"
)

const breakerKey = "price_feed"

// CachedFeed memoizes upstream answers for a TTL and stops calling a failing
// upstream through a circuit breaker. Unlike a fallback cache it never
// serves an expired answer: callers get the error.
type CachedFeed struct {
	upstream Feed
	ttl      time.Duration
	breaker  *circuitbreaker.Breaker
	nowFn    func() time.Time

	mu        sync.RWMutex
	cached    *Price
	fetchedAt time.Time
}

// NewCachedFeed wraps upstream. ttl <= 0 disables caching; breaker may be nil.
func NewCachedFeed(upstream Feed, ttl time.Duration, breaker *circuitbreaker.Breaker) *CachedFeed {
	return &CachedFeed{upstream: upstream, ttl: ttl, breaker: breaker, nowFn: time.Now}
}

// WithClock overrides the time source.
func (c *CachedFeed) WithClock(now func() time.Time) *CachedFeed {
	if now != nil {
		c.nowFn = now
	}
	return c
}

func (c *CachedFeed) LatestPrice(ctx context.Context) (*Price, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		if c.cached != nil && c.nowFn().Sub(c.fetchedAt) < c.ttl {
			p := c.cached.Clone()
			c.mu.RUnlock()
			FeedReadsTotal.WithLabelValues("cache_hit").Inc()
			return p, nil
		}
		c.mu.RUnlock()
	}

	var p *Price
	fetch := func() error {
		var err error
		p, err = c.upstream.LatestPrice(ctx)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(breakerKey, fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		FeedReadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	FeedReadsTotal.WithLabelValues("fetched").Inc()

	c.mu.Lock()
	c.cached = p.Clone()
	c.fetchedAt = c.nowFn()
	c.mu.Unlock()
	return p, nil
}

var _ Feed = (*CachedFeed)(nil)
