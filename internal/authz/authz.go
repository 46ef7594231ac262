// Package authz implements local authorization for shadow requests: given
// a caller's token and the (thing, shadow, operation) being requested, it
// decides allow/deny.
package authz

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
)

// Claims is the JWT payload shadow clients present. Scopes name the
// things a token may act on ("*" for any thing, or an exact thing name);
// Operations name the shadow verbs allowed ("*" for any).
type Claims struct {
	Subject    string   `json:"sub"`
	ThingScope []string `json:"thing_scope"`
	Operations []string `json:"operations"`
	jwt.RegisteredClaims
}

// Config configures the default JWT-based Authorizer.
type Config struct {
	SecretKey  string
	Issuer     string
	Expiration time.Duration
}

func (c *Config) setDefaults() {
	if c.Expiration == 0 {
		c.Expiration = 24 * time.Hour
	}
	if c.Issuer == "" {
		c.Issuer = "shadowmgr"
	}
}

// Authorizer decides whether a bearer token may perform operation against
// (thing, shadowName).
type Authorizer interface {
	Authorize(token, thing, shadowName, operation string) error
}

// JWTAuthorizer is the default Authorizer, built around the
// JWTMiddleware/GenerateToken/ValidateToken trio.
type JWTAuthorizer struct {
	cfg Config
}

// NewJWTAuthorizer builds a JWTAuthorizer from cfg.
func NewJWTAuthorizer(cfg Config) *JWTAuthorizer {
	cfg.setDefaults()
	return &JWTAuthorizer{cfg: cfg}
}

// GenerateToken issues a signed token scoped to things and operations.
func (a *JWTAuthorizer) GenerateToken(subject string, things, operations []string) (string, error) {
	claims := Claims{
		Subject:    subject,
		ThingScope: things,
		Operations: operations,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.cfg.Expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    a.cfg.Issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.SecretKey))
}

// Authorize validates tokenString and checks it is scoped to thing and
// operation.
func (a *JWTAuthorizer) Authorize(tokenString, thing, shadowName, operation string) error {
	claims, err := a.validate(tokenString)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindUnauthorized, "invalid token", err)
	}

	if !scopeMatches(claims.ThingScope, thing) {
		return shadowerr.New(shadowerr.KindUnauthorized, fmt.Sprintf("token not scoped to thing %q", thing))
	}
	if !scopeMatches(claims.Operations, operation) {
		return shadowerr.New(shadowerr.KindUnauthorized, fmt.Sprintf("token not scoped to operation %q", operation))
	}
	return nil
}

func (a *JWTAuthorizer) validate(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.SecretKey), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func scopeMatches(scope []string, want string) bool {
	for _, s := range scope {
		if s == "*" || s == want {
			return true
		}
	}
	return false
}

// AllowAll is a no-op Authorizer for deployments that rely on transport-
// level trust (e.g. a local-only Unix-socket broker) instead of per-token
// scoping.
type AllowAll struct{}

func (AllowAll) Authorize(token, thing, shadowName, operation string) error { return nil }
