// Package settings supplies the speech vendor credentials the gateway needs
// when a session starts. Credentials live in persisted configuration owned by
// the admin side of the platform; the gateway only reads them.
package settings

import (
	"context"
	"os"
	"strings"
)

// Credentials are the vendor account values for streaming recognition.
type Credentials struct {
	AppID     string `mapstructure:"app_id"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Complete reports whether the credentials can open a vendor stream.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.AppID) != ""
}

func (c Credentials) expand() Credentials {
	return Credentials{
		AppID:     strings.TrimSpace(os.ExpandEnv(c.AppID)),
		AccessKey: strings.TrimSpace(os.ExpandEnv(c.AccessKey)),
		SecretKey: strings.TrimSpace(os.ExpandEnv(c.SecretKey)),
	}
}

// Provider returns the current credentials snapshot.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Static serves credentials fixed at startup.
type Static struct {
	creds Credentials
}

func NewStatic(creds Credentials) *Static {
	return &Static{creds: creds.expand()}
}

func (s *Static) Credentials(context.Context) (Credentials, error) {
	return s.creds, nil
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Credentials, error)

func (f ProviderFunc) Credentials(ctx context.Context) (Credentials, error) { return f(ctx) }

var (
	_ Provider = (*Static)(nil)
	_ Provider = ProviderFunc(nil)
)
