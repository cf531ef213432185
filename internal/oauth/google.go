package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/auth"
)

const (
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// Google exchanges an authorization code via the standard OAuth2 code
// flow and reads the OpenID userinfo endpoint.
type Google struct {
	client      *http.Client
	tokenURL    string
	userinfoURL string
}

func NewGoogle() *Google {
	return &Google{client: newExchangeClient(), tokenURL: googleTokenURL, userinfoURL: googleUserinfoURL}
}

func (g *Google) Name() string { return "google" }

func (g *Google) Exchange(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*auth.OAuthProfile, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"redirect_uri":  {redirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apierr.Upstream("google token exchange failed", err)
	}
	defer resp.Body.Close()

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, apierr.Upstream("google token response is malformed", err)
	}
	if resp.StatusCode != http.StatusOK || tokenResp.AccessToken == "" {
		if tokenResp.Error == "invalid_grant" {
			return nil, apierr.InvalidCredentials("authorization code is invalid or expired")
		}
		return nil, apierr.Upstream(fmt.Sprintf("google token exchange returned %d: %s", resp.StatusCode, tokenResp.Error), nil)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, g.userinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tokenResp.AccessToken)

	resp, err = g.client.Do(req)
	if err != nil {
		return nil, apierr.Upstream("google userinfo fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.Upstream(fmt.Sprintf("google userinfo returned %d", resp.StatusCode), nil)
	}

	var info struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, apierr.Upstream("google userinfo response is malformed", err)
	}
	if info.Sub == "" {
		return nil, apierr.Upstream("google userinfo has no subject", nil)
	}

	return &auth.OAuthProfile{
		Provider:       g.Name(),
		ProviderUserID: info.Sub,
		Email:          info.Email,
		DisplayName:    info.Name,
	}, nil
}
