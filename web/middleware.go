package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// An open federation endpoint sees many distinct peers; buckets
	// idle past peerIdleAge are reclaimed once the map outgrows this.
	maxTrackedPeers = 4096
	peerIdleAge     = 10 * time.Minute
)

type peerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle keeps one token bucket per client address.
type Throttle struct {
	mu    sync.Mutex
	peers map[string]*peerBucket
	rate  rate.Limit
	burst int
}

func NewThrottle(r rate.Limit, burst int) *Throttle {
	return &Throttle{
		peers: make(map[string]*peerBucket),
		rate:  r,
		burst: burst,
	}
}

// Allow takes one token from the address's bucket, creating the
// bucket on first sight.
func (t *Throttle) Allow(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.peers[addr]
	if !ok {
		if len(t.peers) >= maxTrackedPeers {
			t.evictIdle()
		}
		b = &peerBucket{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.peers[addr] = b
	}
	b.lastSeen = time.Now()

	return b.limiter.Allow()
}

// evictIdle drops buckets that haven't been used for peerIdleAge.
// Callers hold t.mu.
func (t *Throttle) evictIdle() {
	cutoff := time.Now().Add(-peerIdleAge)
	for addr, b := range t.peers {
		if b.lastSeen.Before(cutoff) {
			delete(t.peers, addr)
		}
	}
}

func ThrottleMiddleware(t *Throttle) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// BodyLimitMiddleware caps request bodies. Pushed feeds and salmon
// slaps have no business being larger.
func BodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
