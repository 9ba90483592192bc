package authgate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/observability"
	"github.com/lattice-kg/engine/internal/store"
)

type requestIDKey struct{}

// allowedOrigins mirrors the teacher's exact-match CORS whitelist approach;
// lattice serves no browser dashboard of its own, so this only covers
// locally-hosted admin tooling talking to the API directly.
var allowedOrigins = map[string]bool{
	"http://localhost":      true,
	"http://localhost:3000":  true,
	"http://127.0.0.1":       true,
	"http://127.0.0.1:3000":  true,
}

// SecurityHeaders adds the same defensive header set as the teacher's
// worker.SecurityHeaders, generalized with a CORS whitelist parameter so
// deployments can add origins without editing this package.
func SecurityHeaders(extraOrigins ...string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for o, ok := range allowedOrigins {
		allowed[o] = ok
	}
	for _, o := range extraOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

			origin := r.Header.Get("Origin")
			if allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySize rejects requests whose declared Content-Length exceeds
// maxBytes outright and caps the body reader for the rest, the same
// two-layer guard as the teacher's worker.MaxBodySize.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSONContentType rejects POST/PUT/PATCH requests that declare a
// non-JSON Content-Type, mirroring the teacher's worker.RequireJSONContentType.
func RequireJSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequestID assigns or propagates a request ID, exactly as the teacher's
// worker.RequestID middleware does.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			idBytes := make([]byte, 8)
			if _, err := rand.Read(idBytes); err == nil {
				id = hex.EncodeToString(idBytes)
			}
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID retrieves the request ID bound by RequestID.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Gate performs JWT verification, tenant binding, and scope enforcement.
// It never consults rate limiting or concurrency caps directly — those are
// separate middleware so handlers can order/compose them per-route.
type Gate struct {
	cfg  *config.Config
	log  zerolog.Logger
	sink *observability.Sink
}

// NewGate builds a Gate from process configuration.
func NewGate(cfg *config.Config, log zerolog.Logger, sink *observability.Sink) *Gate {
	return &Gate{cfg: cfg, log: log, sink: sink}
}

// RequireScope returns middleware that verifies the bearer token (when auth
// is enabled), binds the request's tenant into context, and rejects
// requests missing the given scope. When auth is disabled, every request
// is bound to the configured dev tenant and scope checks are skipped —
// this is a local/dev convenience, never the production default.
func (g *Gate) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, status, err := g.authenticate(r, scope)
			if err != nil {
				g.log.Warn().Err(err).Str("path", r.URL.Path).Msg("auth rejected")
				http.Error(w, err.Error(), status)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (g *Gate) authenticate(r *http.Request, scope string) (context.Context, int, error) {
	ctx := r.Context()

	if !g.cfg.AuthEnabled {
		ctx, err := store.WithTenant(ctx, g.cfg.DevTenantID)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		g.rejectCrossTenantParams(r)
		return ctx, 0, nil
	}

	token, ok := BearerToken(r)
	if !ok {
		return nil, http.StatusUnauthorized, errMissingToken
	}

	claims, err := Parse(token, ParserConfig{
		Algorithm: g.cfg.AuthAlgorithm,
		Key:       g.cfg.AuthKey,
		Issuer:    g.cfg.AuthIssuer,
		Audience:  g.cfg.AuthAudience,
		Leeway:    g.cfg.AuthLeeway,
	})
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}
	if claims.TenantID == "" {
		return nil, http.StatusUnauthorized, errMissingTenantClaim
	}
	if scope != "" && !claims.Scopes.Has(scope) {
		return nil, http.StatusForbidden, errMissingScope
	}

	g.rejectCrossTenantParams(r)

	ctx, err = store.WithTenant(ctx, claims.TenantID)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return ctx, 0, nil
}

// rejectCrossTenantParams records (but does not reject the request for)
// any caller-supplied tenant_id in the query string: per §4.7, the
// verified token is the only source of truth and a mismatched caller value
// is silently overridden, with the attempt counted as an access violation.
func (g *Gate) rejectCrossTenantParams(r *http.Request) {
	if r.URL.Query().Get("tenant_id") == "" {
		return
	}
	if g.sink != nil {
		g.sink.RecordRequest(r.Context(), observability.Labels{
			Mode:   "cross_tenant_query",
			Result: observability.ResultSkipped,
		}, 0)
	}
}

type authErrType string

func (e authErrType) Error() string { return string(e) }

func authErr(msg string) error { return authErrType(msg) }

var (
	errMissingToken       = authErr("missing bearer token")
	errMissingTenantClaim = authErr("token missing tenant_id claim")
	errMissingScope       = authErr("token missing required scope")
)
