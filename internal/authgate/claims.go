// Package authgate implements tenant-scoped authentication, rate limiting,
// and concurrency caps for the HTTP API, generalizing the teacher's
// localhost shared-token TokenAuth (internal/worker/middleware.go) into
// real JWT verification and its in-process token-bucket rate limiter
// (internal/worker/ratelimit.go) into a Redis-backed fixed-window limiter
// with that same in-process limiter kept as the CACHE_URL-unset fallback.
package authgate

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lattice-kg/engine/internal/kgerrors"
)

// Claims is the verified, extracted subset of a request's JWT. Scopes
// accepts either a JSON list or a single space-separated string, the two
// shapes issuers commonly use for the "scope"/"scp" claim.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string       `json:"tenant_id"`
	Scopes   ScopeClaim   `json:"scope"`
}

// ScopeClaim unmarshals either `"scope": "read write"` or `"scope":
// ["read","write"]` into a normalized slice.
type ScopeClaim []string

// UnmarshalJSON accepts both the list and space-separated string encodings.
func (s *ScopeClaim) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = nil
		return nil
	}
	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = strings.Fields(str)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = list
	return nil
}

// Has reports whether the claim set grants the given scope.
func (s ScopeClaim) Has(scope string) bool {
	for _, have := range s {
		if have == scope {
			return true
		}
	}
	return false
}

// ParserConfig carries the verification parameters for one deployment.
type ParserConfig struct {
	Algorithm string
	Key       string
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// Parse verifies a bearer token and extracts its claims. Symmetric
// algorithms (HSxxx) use Key directly as the HMAC secret; asymmetric
// algorithms (RSxxx, ESxxx) expect Key to hold a PEM-encoded public key.
func Parse(tokenString string, cfg ParserConfig) (*Claims, error) {
	keyFunc, err := keyFuncFor(cfg)
	if err != nil {
		return nil, kgerrors.New(kgerrors.KindAuth, "bad-key-config", err)
	}

	opts := []jwt.ParserOption{jwt.WithLeeway(cfg.Leeway)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Algorithm != "" {
		opts = append(opts, jwt.WithValidMethods([]string{cfg.Algorithm}))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
	if err != nil {
		return nil, kgerrors.New(kgerrors.KindAuth, "invalid-token", err)
	}
	if !token.Valid {
		return nil, kgerrors.New(kgerrors.KindAuth, "invalid-token", nil)
	}
	return claims, nil
}

func keyFuncFor(cfg ParserConfig) (jwt.Keyfunc, error) {
	switch {
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		secret := []byte(cfg.Key)
		return func(*jwt.Token) (any, error) { return secret, nil }, nil
	case strings.HasPrefix(cfg.Algorithm, "RS"):
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.Key))
		if err != nil {
			return nil, err
		}
		return func(*jwt.Token) (any, error) { return key, nil }, nil
	case strings.HasPrefix(cfg.Algorithm, "ES"):
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(cfg.Key))
		if err != nil {
			return nil, err
		}
		return func(*jwt.Token) (any, error) { return key, nil }, nil
	default:
		secret := []byte(cfg.Key)
		return func(*jwt.Token) (any, error) { return secret, nil }, nil
	}
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
