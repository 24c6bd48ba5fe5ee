package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/time/rate"

	"wayleave/internal/app"
	"wayleave/internal/engine/auth"
	"wayleave/internal/identity"
)

// Principal is a caller whose bearer token and profile both validated on
// this request.
type Principal struct {
	Actor     app.Actor
	SessionID string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor.UserID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// isPublicPath reports routes reachable without a session.
func isPublicPath(basePath, p string) bool {
	switch p {
	case path.Join(basePath, "health"),
		path.Join(basePath, "auth/login"),
		path.Join(basePath, "auth/signup"),
		path.Join(basePath, "auth/refresh"),
		path.Join(basePath, "openapi.json"):
		return true
	}
	return strings.HasPrefix(p, path.Join(basePath, "attachments")+"/")
}

// newAuthMiddleware runs full validation on every protected request: the
// access token must verify against a live session and the profile behind it
// must be active with an assigned role. Browsers cannot set headers on a
// websocket upgrade, so the feed also accepts an access_token query parameter.
func newAuthMiddleware(basePath string, idp *identity.Provider, profiles auth.ProfileStore) func(http.Handler) http.Handler {
	feedPath := path.Join(basePath, "feed")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if isPublicPath(basePath, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}

			token := ""
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				t, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				token = t
			} else if req.URL.Path == feedPath {
				token = strings.TrimSpace(req.URL.Query().Get("access_token"))
			}
			if token == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}

			claims, err := idp.Verify(req.Context(), token)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			profile, err := auth.Authorize(req.Context(), profiles, claims.Subject)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			ctx := withPrincipal(req.Context(), Principal{
				Actor:     app.Actor{UserID: profile.ID, Email: claims.Email, Role: profile.Role},
				SessionID: claims.SessionID,
			})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// newLoginLimiter applies a per-client token bucket to loginPath only.
func newLoginLimiter(loginPath string, perSecond float64) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	type bucket struct {
		lim  *rate.Limiter
		seen time.Time
	}
	const ttl = 5 * time.Minute
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
		swept   time.Time
	)
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	allow := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if now.Sub(swept) > time.Minute {
			for k, b := range buckets {
				if now.Sub(b.seen) > ttl {
					delete(buckets, k)
				}
			}
			swept = now
		}
		b, ok := buckets[ip]
		if !ok {
			b = &bucket{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
			buckets[ip] = b
		}
		b.seen = now
		return b.lim.Allow()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != loginPath {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if ip == "" {
				ip = "unknown"
			}
			if !allow(ip) {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many login attempts; try again shortly", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For support (first IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
