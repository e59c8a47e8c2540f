package rest

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
)

func AuthMiddleware(verifier security.AccessTokenVerifier) func(next http.Handler) http.Handler {
	if verifier == nil {
		panic("AuthMiddleware: nil verifier")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "missing bearer token", nil)
				return
			}

			claims, err := verifier.VerifyAccessToken(raw)
			if err != nil {
				code := "auth.unauthorized"
				if errors.Is(err, security.ErrTokenExpired) {
					code = "auth.token_expired"
				}
				fail(w, r, http.StatusUnauthorized, code, "unauthorized", nil)
				return
			}

			ctx := withAuth(r.Context(), authFromClaims(claims))
			if _, ok := GetAuth(ctx); !ok {
				fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}

type RateLimitOptions struct {
	Limit  int
	Window time.Duration
}

func (o RateLimitOptions) withDefaults() RateLimitOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	return o
}

// RateLimitMiddleware is a fixed window per caller: the user id once
// authenticated, the client IP otherwise. Cache errors fail open.
func RateLimitMiddleware(cache domain.CacheRepository, opt RateLimitOptions) func(next http.Handler) http.Handler {
	opt = opt.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if a, ok := GetAuth(r.Context()); ok {
				key = "user:" + a.UserID.String()
			}
			allowed, _ := cache.AllowRequest(r.Context(), key, opt.Limit, opt.Window)
			if !allowed {
				w.Header().Set("Retry-After", "1")
				fail(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keeps it simple: RemoteAddr host part.
// X-Forwarded-For is not trusted here.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// SecurityHeaders: JSON-only API, nothing may frame, embed or sniff it.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
