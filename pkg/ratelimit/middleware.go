package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RouteLimit is a per-route override applied on top of the caller limit.
type RouteLimit struct {
	Limit  int
	Window time.Duration
}

// MiddlewareConfig configures the HTTP rate-limit middleware.
type MiddlewareConfig struct {
	// Limiter performs the checks (required).
	Limiter *Limiter

	// CallerLimit and CallerWindow apply per caller across all routes.
	CallerLimit  int
	CallerWindow time.Duration

	// Routes maps "METHOD /pattern" to stricter per-route limits.
	Routes map[string]RouteLimit

	// KeyFunc extracts the caller key. Defaults to client IP.
	KeyFunc func(r *http.Request) string
}

// Middleware enforces the caller limit plus any matching route limit; the
// most restrictive outcome wins. Rejections answer 429 with a Retry-After
// header and a {limit, remaining} body.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.CallerLimit <= 0 {
		cfg.CallerLimit = 100
	}
	if cfg.CallerWindow <= 0 {
		cfg.CallerWindow = time.Minute
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := cfg.KeyFunc(r)
			checks := []CheckConfig{{
				Key:    "caller:" + caller,
				Limit:  cfg.CallerLimit,
				Window: cfg.CallerWindow,
			}}

			route := r.Method + " " + r.URL.Path
			if rl, ok := matchRoute(cfg.Routes, r.Method, r.URL.Path); ok {
				checks = append(checks, CheckConfig{
					Key:    "route:" + caller + ":" + route,
					Limit:  rl.Limit,
					Window: rl.Window,
				})
			}

			res := cfg.Limiter.CheckAll(r.Context(), checks...)
			setHeaders(w, res)
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+0.999)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]int{
					"limit":     res.Limit,
					"remaining": 0,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Reset.IsZero() {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.Reset.Unix()))
	}
}

// matchRoute finds a configured route limit. Patterns use chi-style
// placeholders ("GET /contacts/{id}/warmth"); a segment wrapped in braces
// matches any single path segment.
func matchRoute(routes map[string]RouteLimit, method, path string) (RouteLimit, bool) {
	for pattern, rl := range routes {
		parts := strings.SplitN(pattern, " ", 2)
		if len(parts) != 2 || parts[0] != method {
			continue
		}
		if pathMatches(parts[1], path) {
			return rl, true
		}
	}
	return RouteLimit{}, false
}

func pathMatches(pattern, path string) bool {
	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(pSegs) != len(segs) {
		return false
	}
	for i, p := range pSegs {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			continue
		}
		if p != segs[i] {
			return false
		}
	}
	return true
}

// ClientIP extracts the caller address, honoring X-Forwarded-For from
// proxies and load balancers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
