package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the gate understands. Either roles or the
// single role claim may be present.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
	Role  string   `json:"role,omitempty"`
}

func (c *Claims) roles() []string {
	out := append([]string(nil), c.Roles...)
	if c.Role != "" {
		out = append(out, c.Role)
	}
	return out
}

type JWTConfig struct {
	Secret       string
	CookieName   string
	QueryParam   string
	AllowedRoles []string
	Issuer       string
}

func (c JWTConfig) withDefaults() JWTConfig {
	if c.CookieName == "" {
		c.CookieName = "access_token"
	}
	if c.QueryParam == "" {
		c.QueryParam = "access_token"
	}
	if len(c.AllowedRoles) == 0 {
		c.AllowedRoles = []string{"admin", "editor"}
	}
	return c
}

// JWTGate admits bearers of an HMAC-signed token holding an allowed role.
type JWTGate struct {
	cfg JWTConfig
}

func NewJWTGate(cfg JWTConfig) (*JWTGate, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("authz: jwt secret is required")
	}
	return &JWTGate{cfg: cfg.withDefaults()}, nil
}

func (g *JWTGate) Authorize(_ context.Context, r *http.Request) (Principal, error) {
	raw := g.token(r)
	if raw == "" {
		return Principal{}, Denied("missing token")
	}
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if g.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(raw, claims, g.keyFunc, opts...)
	if err != nil {
		return Principal{}, Denied(fmt.Sprintf("invalid token: %v", err))
	}
	if !token.Valid {
		return Principal{}, Denied("invalid token")
	}
	p := Principal{Subject: claims.Subject, Roles: claims.roles()}
	for _, role := range g.cfg.AllowedRoles {
		if p.HasRole(role) {
			return p, nil
		}
	}
	return Principal{}, Denied("role not entitled to transcription")
}

func (g *JWTGate) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrSignatureInvalid
	}
	return []byte(g.cfg.Secret), nil
}

// token looks in the Authorization header, then the session cookie, then
// the query string. Browsers cannot set headers on a WebSocket upgrade.
func (g *JWTGate) token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if c, err := r.Cookie(g.cfg.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.URL.Query().Get(g.cfg.QueryParam))
}

var _ Gate = (*JWTGate)(nil)
