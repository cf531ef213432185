package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
)

const rateWindow = 60 * time.Second

// windowScript counts a hit in the current fixed window. The expiry is
// set only when the key is created, so the window boundary is stable.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter enforces the per-application fixed 60s window against
// Redis. A Redis outage fails open: throttling is protection, not a
// correctness guarantee.
type RateLimiter struct {
	rdb          *redis.Client
	defaultLimit int
	logger       *slog.Logger
	now          func() time.Time
}

func NewRateLimiter(rdb *redis.Client, defaultLimit int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, defaultLimit: defaultLimit, logger: logger, now: time.Now}
}

// Handler counts the request against the calling app's window and sets
// the X-RateLimit headers on every response.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app := GetApp(r.Context())
		if app == nil {
			helpers.RespondError(w, r, apierr.InvalidCredentials("request is not authenticated"))
			return
		}

		limit := app.RateLimit
		if limit <= 0 {
			limit = rl.defaultLimit
		}

		windowStart := rl.now().Unix() / int64(rateWindow.Seconds()) * int64(rateWindow.Seconds())
		reset := windowStart + int64(rateWindow.Seconds())
		key := "rate_limit:" + app.AppID.String() + ":" + strconv.FormatInt(windowStart, 10)

		count, err := windowScript.Run(r.Context(), rl.rdb, []string{key}, int(rateWindow.Seconds())).Int64()
		if err != nil {
			rl.logger.Warn("rate_limit_unavailable", "app_id", app.AppID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if count > int64(limit) {
			h.Set("Retry-After", strconv.FormatInt(reset-rl.now().Unix(), 10))
			helpers.RespondError(w, r, apierr.New(apierr.KindRateLimitExceeded, "application rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPLimiter is an in-process pre-limiter for the credential endpoints,
// in front of (not instead of) the per-app Redis window. It blunts
// brute-force bursts from a single address before they reach the
// password hasher.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rps      rate.Limit
	burst    int
}

type ipEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewIPLimiter(perSecond float64, burst int) *IPLimiter {
	return &IPLimiter{
		limiters: make(map[string]*ipEntry),
		rps:      rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) > 10000 {
			l.prune()
		}
		e = &ipEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}

// prune drops entries idle for over ten minutes. Called with the lock
// held.
func (l *IPLimiter) prune() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// Handler refuses over-rate addresses with rate_limit_exceeded.
func (l *IPLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(helpers.GetRealIP(r)) {
			helpers.RespondError(w, r, apierr.New(apierr.KindRateLimitExceeded, "too many attempts from this address"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
