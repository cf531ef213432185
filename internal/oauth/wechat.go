package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/auth"
)

const (
	wechatTokenURL    = "https://api.weixin.qq.com/sns/oauth2/access_token"
	wechatUserinfoURL = "https://api.weixin.qq.com/sns/userinfo"
)

// WeChat implements the WeChat open-platform flow. WeChat reports
// errors with 200 responses carrying an errcode, and profiles rarely
// include an email.
type WeChat struct {
	client      *http.Client
	tokenURL    string
	userinfoURL string
}

func NewWeChat() *WeChat {
	return &WeChat{client: newExchangeClient(), tokenURL: wechatTokenURL, userinfoURL: wechatUserinfoURL}
}

func (w *WeChat) Name() string { return "wechat" }

func (w *WeChat) Exchange(ctx context.Context, clientID, clientSecret, code, _ string) (*auth.OAuthProfile, error) {
	q := url.Values{
		"appid":      {clientID},
		"secret":     {clientSecret},
		"code":       {code},
		"grant_type": {"authorization_code"},
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		OpenID      string `json:"openid"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	if err := w.getJSON(ctx, w.tokenURL+"?"+q.Encode(), &tokenResp); err != nil {
		return nil, err
	}
	if tokenResp.ErrCode != 0 || tokenResp.AccessToken == "" {
		// 40029: invalid code
		if tokenResp.ErrCode == 40029 {
			return nil, apierr.InvalidCredentials("authorization code is invalid or expired")
		}
		return nil, apierr.Upstream(fmt.Sprintf("wechat token exchange failed: %d %s", tokenResp.ErrCode, tokenResp.ErrMsg), nil)
	}

	q = url.Values{
		"access_token": {tokenResp.AccessToken},
		"openid":       {tokenResp.OpenID},
	}
	var info struct {
		OpenID   string `json:"openid"`
		Nickname string `json:"nickname"`
		ErrCode  int    `json:"errcode"`
		ErrMsg   string `json:"errmsg"`
	}
	if err := w.getJSON(ctx, w.userinfoURL+"?"+q.Encode(), &info); err != nil {
		return nil, err
	}
	if info.ErrCode != 0 || info.OpenID == "" {
		return nil, apierr.Upstream(fmt.Sprintf("wechat userinfo failed: %d %s", info.ErrCode, info.ErrMsg), nil)
	}

	return &auth.OAuthProfile{
		Provider:       w.Name(),
		ProviderUserID: info.OpenID,
		DisplayName:    info.Nickname,
	}, nil
}

func (w *WeChat) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return apierr.Upstream("wechat request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apierr.Upstream(fmt.Sprintf("wechat returned %d", resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.Upstream("wechat response is malformed", err)
	}
	return nil
}
