package server

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	lottery "github.com/kydenul/ticket-lottery"
)

// AccountHeader carries the calling account. It is trusted as is.
const AccountHeader = "X-Account-Id"

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-Id"

// maxLimiters bounds the per-caller limiter table
const maxLimiters = 10000

// requestContext stores the request id and caller in the request context
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := lottery.WithRequestID(r.Context(), id)
		if caller := callerOf(r); caller != "" {
			ctx = lottery.WithAccountID(ctx, caller)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerOf(r *http.Request) lottery.Account {
	return lottery.Account(strings.TrimSpace(r.Header.Get(AccountHeader)))
}

// RateLimiter limits requests per caller, falling back to the remote address
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	logger   lottery.Logger
}

// NewRateLimiter creates a limiter; requestsPerSecond <= 0 disables limiting
func NewRateLimiter(requestsPerSecond float64, burst int, logger lottery.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

// SetLimit changes the limit of every current and future caller
func (rl *RateLimiter) SetLimit(requestsPerSecond float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if burst <= 0 {
		burst = 1
	}
	rl.rate = rate.Limit(requestsPerSecond)
	rl.burst = burst
	for _, l := range rl.limiters {
		l.SetLimit(rl.rate)
		l.SetBurst(burst)
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	if rl.rate <= 0 {
		rl.mu.Unlock()
		return true
	}
	limiter, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

// Handler returns the rate limiting middleware
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := string(callerOf(r))
		if key == "" {
			key = r.RemoteAddr
		}

		if !rl.allow(key) {
			rl.logger.Info("Rate limit exceeded: key=%s, method=%s, path=%s", key, r.Method, r.URL.Path)
			writeError(w, lottery.ErrRateLimitExceeded)
			return
		}

		next.ServeHTTP(w, r)
	})
}
