package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"golang.org/x/crypto/bcrypt"

	"github.com/easygst/easygst/internal/observability"
	"github.com/easygst/easygst/internal/platform/httpx"
	"github.com/easygst/easygst/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the middleware chain for the public router.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}
	rate := 120
	if cfg.Config != nil && cfg.Config.RateLimitPerMinute > 0 {
		rate = cfg.Config.RateLimitPerMinute
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(rate, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// AuthMiddleware verifies the bearer token against the configured bcrypt
// hash and resolves the tenant and actor headers into the request identity.
func AuthMiddleware(cfg *Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || bcrypt.CompareHashAndPassword([]byte(cfg.APITokenHash), []byte(token)) != nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid bearer token")
				return
			}
			tenantID, err := strconv.ParseInt(r.Header.Get("X-Tenant-ID"), 10, 64)
			if err != nil || tenantID <= 0 {
				httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "X-Tenant-ID header required")
				return
			}
			actorID, _ := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
			ctx := shared.ContextWithIdentity(r.Context(), shared.Identity{
				TenantID: tenantID,
				ActorID:  actorID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
