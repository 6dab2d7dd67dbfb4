package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "s3cret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(roles ...string) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
}

func newGate(t *testing.T) *JWTGate {
	t.Helper()
	g, err := NewJWTGate(JWTConfig{Secret: testSecret})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func TestJWTGateAcceptsAllowedRoleFromHeader(t *testing.T) {
	g := newGate(t)
	req := httptest.NewRequest(http.MethodGet, "/ws/asr", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("editor")))

	p, err := g.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if p.Subject != "user-1" || !p.HasRole("EDITOR") {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestJWTGateReadsCookieAndQuery(t *testing.T) {
	g := newGate(t)
	tok := sign(t, jwt.SigningMethodHS256, []byte(testSecret), &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1"},
		Role:             "admin",
	})

	req := httptest.NewRequest(http.MethodGet, "/ws/asr", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: tok})
	if _, err := g.Authorize(context.Background(), req); err != nil {
		t.Fatalf("cookie authorize: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/asr?access_token="+tok, nil)
	if _, err := g.Authorize(context.Background(), req); err != nil {
		t.Fatalf("query authorize: %v", err)
	}
}

func TestJWTGateDenials(t *testing.T) {
	g := newGate(t)
	expired := validClaims("admin")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	cases := map[string]string{
		"missing":     "",
		"wrong role":  sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("subscriber")),
		"expired":     sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired),
		"bad secret":  sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims("admin")),
		"not a token": "garbage",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/asr", nil)
			if tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
			_, err := g.Authorize(context.Background(), req)
			if !IsDenied(err) {
				t.Fatalf("expected denial, got %v", err)
			}
			if CloseCode(err) != CloseUnauthorized {
				t.Fatalf("expected close code %d", CloseUnauthorized)
			}
		})
	}
}

func TestJWTGateRejectsNoneAlgorithm(t *testing.T) {
	g := newGate(t)
	tok := sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims("admin"))
	req := httptest.NewRequest(http.MethodGet, "/ws/asr", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	if _, err := g.Authorize(context.Background(), req); !IsDenied(err) {
		t.Fatalf("expected none algorithm to be denied, got %v", err)
	}
}

func TestNewJWTGateRequiresSecret(t *testing.T) {
	if _, err := NewJWTGate(JWTConfig{}); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestDeniedErrorWrapping(t *testing.T) {
	err := errors.Join(errors.New("ctx"), Denied("nope"))
	if !IsDenied(err) {
		t.Fatalf("expected IsDenied through join")
	}
	if IsDenied(errors.New("other")) {
		t.Fatalf("unexpected denial")
	}
}
