// Package ratelimit provides token-bucket rate limiting middleware.
//
// Reads and writes draw from separate buckets so a client polling
// reservation state cannot starve its own reserve/cancel calls.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/reservo/internal/auth"
	"github.com/mbd888/reservo/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client for reads
	RequestsPerMinute int
	// WritesPerMinute is the sustained rate per client for POST/PUT/DELETE.
	// Zero means RequestsPerMinute / 4, at least 1.
	WritesPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to drop idle clients
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 100,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks token buckets by key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.WritesPerMinute <= 0 {
		cfg.WritesPerMinute = max(cfg.RequestsPerMinute/4, 1)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock overrides the time source (for tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets untouched for two minutes; they would be full
// again by then anyway.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * time.Minute)
	for key, b := range l.clients {
		if b.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one read token for key.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key, l.cfg.RequestsPerMinute)
	return ok
}

// AllowWrite takes one write token for key.
func (l *Limiter) AllowWrite(key string) bool {
	ok, _ := l.take("w:"+key, l.cfg.WritesPerMinute)
	return ok
}

// take returns whether a token was available and, if not, how long until
// the next one is.
func (l *Limiter) take(key string, perMinute int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rate := float64(perMinute) / 60.0
	b, exists := l.clients[key]
	if !exists {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true, 0
	}

	b.tokens = math.Min(b.tokens+now.Sub(b.lastCheck).Seconds()*rate, float64(l.cfg.BurstSize))
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return false, wait
}

// Middleware rate limits by authenticated party when auth.Middleware ran
// first, otherwise by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if party := auth.GetAuthenticatedParty(c); party != "" {
			key = "party:" + party
		}

		bucketName, perMinute := "read", l.cfg.RequestsPerMinute
		if isWrite(c.Request.Method) {
			bucketName, perMinute, key = "write", l.cfg.WritesPerMinute, "w:"+key
		}

		ok, wait := l.take(key, perMinute)
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			metrics.RateLimitedTotal.WithLabelValues(bucketName).Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
