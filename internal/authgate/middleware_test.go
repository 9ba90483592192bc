package authgate

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/store"
)

func TestSecurityHeadersSetsDefensiveHeaders(t *testing.T) {
	handler := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	tests := []struct{ header, want string }{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rr.Header().Get(tt.header))
	}
}

func TestSecurityHeadersCORSWhitelist(t *testing.T) {
	handler := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		origin     string
		expectCORS bool
	}{
		{"localhost allowed", "http://localhost", true},
		{"localhost:3000 allowed", "http://localhost:3000", true},
		{"external origin blocked", "http://evil.com", false},
		{"localhost subdomain bypass blocked", "http://localhost.evil.com", false},
		{"no origin header", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			got := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.expectCORS {
				assert.Equal(t, tt.origin, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestGateAuthDisabledBindsDevTenant(t *testing.T) {
	cfg := config.Default()
	cfg.AuthEnabled = false
	gate := NewGate(cfg, zerolog.Nop(), nil)

	var seenTenant string
	handler := gate.RequireScope("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant, _ = store.TenantFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, cfg.DevTenantID, seenTenant)
}

func TestGateRejectsMissingTokenWhenAuthEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.AuthEnabled = true
	cfg.AuthKey = "secret"
	gate := NewGate(cfg, zerolog.Nop(), nil)

	handler := gate.RequireScope("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func signedToken(t *testing.T, cfg *config.Config, tenant string, scopes []string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    cfg.AuthIssuer,
		},
		TenantID: tenant,
		Scopes:   scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.AuthKey))
	require.NoError(t, err)
	return signed
}

func TestGateBindsTenantFromVerifiedToken(t *testing.T) {
	cfg := config.Default()
	cfg.AuthEnabled = true
	cfg.AuthKey = "secret"
	cfg.AuthAlgorithm = "HS256"
	gate := NewGate(cfg, zerolog.Nop(), nil)

	token := signedToken(t, cfg, "tenant-a", []string{"ask:read"})

	var seenTenant string
	handler := gate.RequireScope("ask:read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant, _ = store.TenantFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ask?tenant_id=tenant-b", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "tenant-a", seenTenant, "tenant_id must come from the verified token, never the query string")
}

func TestGateRejectsMissingScope(t *testing.T) {
	cfg := config.Default()
	cfg.AuthEnabled = true
	cfg.AuthKey = "secret"
	cfg.AuthAlgorithm = "HS256"
	gate := NewGate(cfg, zerolog.Nop(), nil)

	token := signedToken(t, cfg, "tenant-a", []string{"read"})

	handler := gate.RequireScope("write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}
