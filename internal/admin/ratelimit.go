package admin

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/token-distributor/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// staleLimiterTTL is how long a client limiter may sit unused before it is dropped.
	staleLimiterTTL = 10 * time.Minute
	sweepInterval   = time.Minute

	// Manual task triggers: 6 per minute per client, burst 2.
	triggerRPS   = rate.Limit(6.0 / 60)
	triggerBurst = 2
)

// requestClass groups admin routes that share one budget per client.
type requestClass string

const (
	classTrigger requestClass = "trigger"
	classRead    requestClass = "read"
)

// classify puts POSTs under /admin/v1/tasks/ in the trigger class and every
// other request in the read class.
func classify(r *http.Request) requestClass {
	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/admin/v1/tasks/") {
		return classTrigger
	}
	return classRead
}

type clientKey struct {
	class requestClass
	ip    string
}

type clientLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware throttles admin API callers per client IP, with a
// separate budget for each request class.
type RateLimitMiddleware struct {
	logger  *slog.Logger
	budgets map[requestClass]rateBudget
	nowFunc func() time.Time

	mu      sync.Mutex
	clients map[clientKey]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

type rateBudget struct {
	limit rate.Limit
	burst int
}

// NewRateLimitMiddleware returns a middleware where reads get readRPS with
// the given burst and task triggers get the fixed trigger budget. Stop must
// be called to end the sweeper goroutine.
func NewRateLimitMiddleware(logger *slog.Logger, readRPS float64, burst int) *RateLimitMiddleware {
	if readRPS <= 0 {
		readRPS = 1
	}
	if burst <= 0 {
		burst = 5
	}
	rl := &RateLimitMiddleware{
		logger: logger.With("component", "admin_ratelimit"),
		budgets: map[requestClass]rateBudget{
			classTrigger: {limit: triggerRPS, burst: triggerBurst},
			classRead:    {limit: rate.Limit(readRPS), burst: burst},
		},
		nowFunc: time.Now,
		clients: make(map[clientKey]*clientLimiter),
		stopCh:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Stop ends the sweeper. It may be called more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-staleLimiterTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// LimiterCount reports how many client limiters are live.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Wrap rejects over-budget requests with 429 and a Retry-After hint.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey{class: classify(r), ip: clientIP(r)}
		now := rl.nowFunc()

		res := rl.limiter(key, now).ReserveN(now, 1)
		if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
			res.CancelAt(now)
			retryAfter := int(math.Ceil(delay.Seconds()))
			if !res.OK() || retryAfter < 1 {
				retryAfter = 1
			}
			metrics.AdminRequestsTotal.WithLabelValues("rate_limited", strconv.Itoa(http.StatusTooManyRequests)).Inc()
			rl.logger.Warn("admin request rate limited",
				"class", key.class,
				"client_ip", key.ip,
				"method", r.Method,
				"path", r.URL.Path,
				"retry_after_s", retryAfter,
			)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) limiter(key clientKey, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clients[key]
	if !ok {
		b := rl.budgets[key.class]
		cl = &clientLimiter{Limiter: rate.NewLimiter(b.limit, b.burst)}
		rl.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.Limiter
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
