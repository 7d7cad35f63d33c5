package http

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mocksmith/mocksmith/pkg/apperr"
)

// ingressLimiter applies a fixed one-minute window per client partition.
type ingressLimiter struct {
	mu     sync.Mutex
	limit  int
	window map[string]*ingressWindow
}

type ingressWindow struct {
	start time.Time
	count int
}

func newIngressLimiter(requestsPerMinute int) *ingressLimiter {
	return &ingressLimiter{
		limit:  requestsPerMinute,
		window: make(map[string]*ingressWindow),
	}
}

// allow counts one request. When the limit is hit it returns the
// seconds until the window resets.
func (l *ingressLimiter) allow(partition string, now time.Time) (retryAfter int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.window[partition]
	if !exists || now.Sub(w.start) >= time.Minute {
		l.window[partition] = &ingressWindow{start: now, count: 1}
		return 0, true
	}

	if w.count >= l.limit {
		remain := int(time.Minute.Seconds() - now.Sub(w.start).Seconds())
		if remain < 1 {
			remain = 1
		}
		return remain, false
	}
	w.count++
	return 0, true
}

// sweep drops partitions idle for a full window.
func (l *ingressLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.window {
		if now.Sub(w.start) >= 2*time.Minute {
			delete(l.window, key)
			removed++
		}
	}
	return removed
}

func (l *ingressLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		retryAfter, ok := l.allow(clientPartition(c), now)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Limit", strconv.Itoa(l.limit))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(now.Add(time.Duration(retryAfter)*time.Second).Unix(), 10))
			writeError(c, apperr.New(apperr.KindTooManyRequests,
				fmt.Sprintf("Rate limit exceeded: %d requests per minute", l.limit)))
			c.Abort()
			return
		}
		c.Next()
	}
}
