package auth

import (
	"net"
	"strconv"
	"strings"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/telemetry"
	"pulsespace/pkg/utils"

	"github.com/juju/clock"
	"github.com/valyala/fasthttp"
)

// SecConfig is the request security policy.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	AdminKeys      map[string]struct{}
	Tokens         *Tokens
	Clock          clock.Clock
}

// Middleware wraps the REST handler with CORS, IP filtering, credential
// checks and per-identity rate limiting. Close stops the limiter cleanup.
type Middleware struct {
	cfg      SecConfig
	limiters *limiterPool
}

func NewMiddleware(cfg SecConfig) *Middleware {
	m := &Middleware{cfg: cfg, limiters: newLimiterPool(cfg.RPS, cfg.Burst, cfg.Clock)}
	go m.limiters.cleanupLoop(defaultCleanupPeriod)
	return m
}

func (m *Middleware) Close() { m.limiters.Close() }

func isHealthCheck(ctx *fasthttp.RequestCtx) bool {
	p := string(ctx.Path())
	return (p == "/healthz" || p == "/readyz") && ctx.IsGet()
}

func isPublicAPI(path string) bool {
	return strings.HasPrefix(path, "/api/auth/")
}

// Wrap returns next guarded by the policy.
func (m *Middleware) Wrap(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)

		origin := string(ctx.Request.Header.Peek("Origin"))
		if origin != "" && originAllowed(origin, m.cfg.AllowedOrigins) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Vary", "Origin")
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,PATCH,OPTIONS")
			ctx.Response.Header.Set("Access-Control-Max-Age", "600")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		}
		if ctx.IsOptions() {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}

		ip := clientIPFast(ctx)
		if len(m.cfg.IPWhitelist) > 0 && !ipWhitelisted(ip, m.cfg.IPWhitelist) {
			utils.JSONErrorFast(ctx, fasthttp.StatusForbidden, "FORBIDDEN", "forbidden")
			logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", string(ctx.Path()))
			return
		}

		if isHealthCheck(ctx) {
			next(ctx)
			return
		}

		tr := telemetry.Track("auth.authenticate")
		identity, ok := m.authenticate(ctx, ip)
		tr.Finish()
		if !ok {
			return
		}

		if !m.limiters.Allow(identity) {
			utils.JSONErrorFast(ctx, fasthttp.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			logger.Warn("rate_limited", "identity", identity, "path", string(ctx.Path()))
			return
		}
		next(ctx)
	}
}

// authenticate resolves the limiter identity and writes the rejection
// itself when the request may not proceed.
func (m *Middleware) authenticate(ctx *fasthttp.RequestCtx, ip string) (string, bool) {
	path := string(ctx.Path())
	bearer := BearerToken(string(ctx.Request.Header.Peek("Authorization")))

	switch {
	case strings.HasPrefix(path, "/admin/") || path == "/admin":
		key := string(ctx.Request.Header.Peek("X-API-Key"))
		if key == "" {
			key = bearer
		}
		if _, ok := m.cfg.AdminKeys[key]; !ok || key == "" {
			utils.JSONErrorFast(ctx, fasthttp.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
			logger.Warn("request_unauthorized", "path", path, "remote", ip)
			return "", false
		}
		return "admin:" + key, true

	case isPublicAPI(path):
		return "ip:" + ip, true

	default:
		if m.cfg.Tokens == nil {
			utils.JSONErrorFast(ctx, fasthttp.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return "", false
		}
		memberID, err := m.cfg.Tokens.ResolveIdentity(bearer)
		if err != nil {
			utils.JSONErrorFast(ctx, fasthttp.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			logger.Warn("request_unauthorized", "path", path, "remote", ip)
			return "", false
		}
		SetMember(ctx, memberID)
		return "m:" + strconv.FormatInt(memberID, 10), true
	}
}

func clientIPFast(ctx *fasthttp.RequestCtx) string {
	host := ctx.RemoteAddr().String()
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func ipWhitelisted(ip string, list []string) bool {
	for _, w := range list {
		if ip == w {
			return true
		}
	}
	return false
}

// KeySet builds a lookup set from a key list.
func KeySet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

// OriginChecker returns a websocket origin predicate for the allow list.
// Requests without an Origin header are accepted; an empty list accepts
// only same-host origins.
func OriginChecker(allowed []string) func(origin, host string) bool {
	return func(origin, host string) bool {
		if origin == "" {
			return true
		}
		if originAllowed(origin, allowed) {
			return true
		}
		o := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		return strings.EqualFold(o, host)
	}
}
