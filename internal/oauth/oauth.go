// Package oauth exchanges third-party authorization codes for user
// profiles. Each provider implements the code-for-profile round trip;
// the registry maps provider names to implementations.
package oauth

import (
	"context"
	"net/http"
	"time"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/auth"
)

const exchangeTimeout = 10 * time.Second

// Provider performs the full code exchange against one identity
// provider and returns the normalized profile.
type Provider interface {
	Name() string
	Exchange(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*auth.OAuthProfile, error)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider. Unknown providers surface as a
// disabled login method, matching how an app without the credential
// behaves.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apierr.LoginMethodDisabled("oauth_" + name)
	}
	return p, nil
}

// newExchangeClient builds the HTTP client used for provider calls.
func newExchangeClient() *http.Client {
	return &http.Client{Timeout: exchangeTimeout}
}
