package devapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key inside fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
	Close()
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	Count   int
	Reset   time.Time
}

// ratePolicy names a limit applied to a group of routes.
type ratePolicy struct {
	name   string
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type window struct {
	count int
	end   time.Time
}

// NewMemoryRateLimiter keeps windows in process memory.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]window),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, period time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if period <= 0 {
		period = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.end) {
		w = window{end: now.Add(period)}
	}
	if w.count >= limit {
		return Decision{Allowed: false, Count: w.count, Reset: w.end}
	}
	w.count++
	rl.windows[key] = w
	return Decision{Allowed: true, Count: w.count, Reset: w.end}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.end) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

func (r *Router) limit(policy ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if policy.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := ""
		if policy.key != nil {
			key = policy.key(req)
		}
		if key == "" {
			key = rateKeyIP(req)
		}
		decision := r.limiter.Allow(req.Context(), policy.name+"|"+key, policy.limit, policy.window)
		setRateHeaders(w, policy.limit, decision)
		if !decision.Allowed {
			r.metrics.rateLimited(policy.name, rateKeyKind(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// authed requires a bearer token and then applies policy keyed by user.
func (r *Router) authed(policy ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	policy.key = rateKeyUser
	return r.requireAuth(r.limit(policy, next))
}

func setRateHeaders(w http.ResponseWriter, limit int, d Decision) {
	remaining := limit - d.Count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !d.Reset.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
}

func rateKeyUser(req *http.Request) string {
	if user, ok := userFromContext(req.Context()); ok && user.Username != "" {
		return "user:" + user.Username
	}
	return ""
}

func rateKeyIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateKeyKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	return "unknown"
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
