package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter ограничивает число запросов клиента в фиксированном окне.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*clientWindow
}

type clientWindow struct {
	used    int
	resetAt time.Time
}

func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 || window <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{
		limit:   requests,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*clientWindow),
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil || rl.limit == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := rl.allow(clientKey(r))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"message": "Rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow учитывает запрос и при отказе возвращает время до сброса окна.
func (rl *RateLimiter) allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cw, ok := rl.windows[key]
	if !ok || !now.Before(cw.resetAt) {
		rl.windows[key] = &clientWindow{used: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	if cw.used >= rl.limit {
		return false, cw.resetAt.Sub(now)
	}
	cw.used++
	return true, 0
}

// Cleanup удаляет истёкшие окна; вызывается периодически из main.
func (rl *RateLimiter) Cleanup() int {
	if rl == nil || rl.windows == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, cw := range rl.windows {
		if !now.Before(cw.resetAt) {
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// clientKey берёт первый адрес из X-Forwarded-For, иначе хост из RemoteAddr.
func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
