package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit задаёт допустимую частоту запросов одного отправителя.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// Enabled сообщает, включено ли ограничение.
func (l RateLimit) Enabled() bool {
	return l.RequestsPerMinute > 0
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter ограничивает частоту запросов по принципалу, а для
// неаутентифицированных запросов по адресу клиента.
type RateLimiter struct {
	limit    RateLimit
	idleTTL  time.Duration
	clockNow func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter создаёт ограничитель. Нулевой RequestsPerMinute отключает ограничение.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		idleTTL:  5 * time.Minute,
		clockNow: time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware отвечает 429, если лимит отправителя исчерпан.
// Должен стоять после AuthMiddleware, чтобы ключом был принципал.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limit.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := clientKey(r)
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string) bool {
	now := rl.clockNow()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.evictIdle(now)

	v, ok := rl.visitors[key]
	if !ok {
		burst := rl.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(rl.limit.RequestsPerMinute/60.0), burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now

	return v.limiter.AllowN(now, 1)
}

// evictIdle вызывается под rl.mu.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, key)
		}
	}
}

func clientKey(r *http.Request) string {
	if p, ok := GetPrincipalFromContext(r.Context()); ok {
		return "principal:" + string(p)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
