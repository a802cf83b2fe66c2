package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityHeadersMiddleware sets response headers that keep browsers from
// rendering or caching decrypted blob content.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			// Blob bodies are data; a stored HTML blob must not run scripts.
			h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
			h.Set("Referrer-Policy", "no-referrer")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			if container, _ := splitBlobPath(r.URL.Path); container != "" && !isServicePath(r.URL.Path) {
				h.Set("Cache-Control", "private, no-store")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isServicePath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// RateLimiter is a per-client token bucket. Each client may burst up to limit
// requests and regains limit tokens per window.
type RateLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*tokenBucket
	capacity    float64
	refillRate  float64 // tokens per second
	window      time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
	logger      *logrus.Logger

	now func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window and
// starts its cleanup goroutine. Call Stop to release it.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	rl := &RateLimiter{
		buckets:     make(map[string]*tokenBucket),
		capacity:    float64(limit),
		refillRate:  float64(limit) / window.Seconds(),
		window:      window,
		stopCleanup: make(chan struct{}),
		logger:      logger,
		now:         time.Now,
	}
	go rl.cleanup(window * 2)
	return rl
}

// cleanup drops buckets idle for a full window; they would be full again.
func (rl *RateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastUpdate) >= rl.window {
			delete(rl.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Allow takes a token for key. When none is left it reports how long until
// the next one is available.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &tokenBucket{tokens: rl.capacity - 1, lastUpdate: now}
		return true, 0
	}

	elapsed := now.Sub(bucket.lastUpdate).Seconds()
	bucket.tokens = math.Min(rl.capacity, bucket.tokens+elapsed*rl.refillRate)
	bucket.lastUpdate = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}
	wait := time.Duration((1 - bucket.tokens) / rl.refillRate * float64(time.Second))
	return false, wait
}

// getClientKey identifies the client by address, without the port so that
// each new connection from one host shares a bucket.
func getClientKey(r *http.Request) string {
	addr := getRemoteAddr(r)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// retryAfterSeconds rounds wait up to whole seconds, at least one.
func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

// RateLimitMiddleware rejects requests over the client's budget with the
// blob service's 503 ServerBusy, which Azure and S3 clients back off on.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := getClientKey(r)

			allowed, wait := limiter.Allow(clientKey)
			if !allowed {
				limiter.logger.WithFields(logrus.Fields{
					"client":      clientKey,
					"path":        r.URL.Path,
					"retry_after": wait.String(),
					"request_id":  RequestIDFromContext(r.Context()),
				}).Warn("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				writeStorageError(w, r, http.StatusServiceUnavailable, "ServerBusy",
					"The server is busy. Retry the request after the interval in Retry-After.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
