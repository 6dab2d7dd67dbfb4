// Package authz decides whether a connecting principal may use streaming
// transcription.
package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// CloseUnauthorized is the WebSocket close code sent when a connection is
// refused by the gate.
const CloseUnauthorized = 4001

// Principal is the authenticated identity behind a connection.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal holds role (case-insensitive).
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Gate validates the credentials forwarded with a connection request.
type Gate interface {
	Authorize(ctx context.Context, r *http.Request) (Principal, error)
}

// DeniedError is returned when the principal is not entitled.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

// Denied builds a DeniedError.
func Denied(reason string) error {
	return &DeniedError{Reason: reason}
}

// IsDenied reports whether err is an authorization denial.
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

// CloseCode maps an authorization error to a WebSocket close code.
func CloseCode(err error) int {
	if err == nil {
		return 0
	}
	return CloseUnauthorized
}

// AllowAll admits every connection as an anonymous principal.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *http.Request) (Principal, error) {
	return Principal{Subject: "anonymous"}, nil
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, r *http.Request) (Principal, error)

func (f GateFunc) Authorize(ctx context.Context, r *http.Request) (Principal, error) {
	return f(ctx, r)
}

var (
	_ Gate = AllowAll{}
	_ Gate = GateFunc(nil)
)
