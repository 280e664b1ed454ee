package httpmiddleware

import (
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
)

// TokenBucket is an in-memory per-key rate limiter.
type TokenBucket struct {
	capacity float64
	perMin   float64
	clock    clock.Clock
	mu       sync.Mutex
	state    map[string]*bucket
}

type bucket struct {
	tokens float64
	last   int64 // unix nanos
}

// NewTokenBucket allows bursts of capacity and refills perMinute tokens each
// minute. clk may be nil.
func NewTokenBucket(capacity, perMinute int, clk clock.Clock) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenBucket{
		capacity: float64(capacity),
		perMin:   float64(perMinute),
		clock:    clk,
		state:    make(map[string]*bucket),
	}
}

// GinMiddleware limits requests per client IP.
func (l *TokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Allow takes one token for key.
func (l *TokenBucket) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now().UnixNano()
	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return l.capacity >= 1
	}
	elapsedMin := float64(now-b.last) / float64(60e9)
	if elapsedMin > 0 {
		b.tokens += elapsedMin * l.perMin
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Reset forgets key, e.g. after a successful login.
func (l *TokenBucket) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, key)
}
