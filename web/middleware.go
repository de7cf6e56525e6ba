package web

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/federation"
)

// senderKey holds the signature-authenticated actor in the gin context.
const senderKey = "federation.sender"

// RateLimiter holds per-IP token buckets.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing r requests per second with
// burst b per client IP.
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = limiter
	}
	return limiter
}

// cleanupOldLimiters bounds memory by resetting the map once it grows
// past 10k distinct IPs.
func (rl *RateLimiter) cleanupOldLimiters() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware rejects clients exceeding their bucket with 429.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	go rl.cleanupOldLimiters()

	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware limits the size of request bodies.
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SignatureMiddleware authenticates inbound federation requests by
// their HTTP signature. When verification fails against the cached key
// the actor is refetched exactly once and the signature re-checked, so
// a remote key rotation does not strand deliveries.
func SignatureMiddleware(registry *federation.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID, err := federation.ParseSignatureKeyID(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed signature"})
			c.Abort()
			return
		}
		owner := federation.KeyOwner(keyID)

		actor, err := registry.Resolve(c.Request.Context(), owner)
		if err != nil {
			abortFederationError(c, err)
			return
		}

		if _, err := federation.VerifyRequest(c.Request, actor.PublicKeyPem); err != nil {
			actor, err = registry.Refresh(c.Request.Context(), owner)
			if err != nil {
				abortFederationError(c, err)
				return
			}
			if _, err := federation.VerifyRequest(c.Request, actor.PublicKeyPem); err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
				c.Abort()
				return
			}
		}

		c.Set(senderKey, actor)
		c.Next()
	}
}

func abortFederationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, federation.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, federation.ErrNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown signer"})
	default:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "could not authenticate request"})
	}
	c.Abort()
}

// sender returns the authenticated actor set by SignatureMiddleware.
func sender(c *gin.Context) domain.Actor {
	return c.MustGet(senderKey).(domain.Actor)
}
