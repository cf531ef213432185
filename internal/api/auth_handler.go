// Package api wires the HTTP surface: the gateway admission pipeline,
// the admin surface, and the auxiliary endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
	"github.com/wardenhq/warden/internal/api/middleware"
	"github.com/wardenhq/warden/internal/apps"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/oauth"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/internal/verify"
)

// AuthHandler serves the gateway authentication endpoints.
type AuthHandler struct {
	auth      *auth.Service
	tokens    *auth.TokenService
	codes     *verify.Store
	providers *oauth.Registry
	apps      *apps.Service
}

func NewAuthHandler(authSvc *auth.Service, tokens *auth.TokenService, codes *verify.Store, providers *oauth.Registry, appSvc *apps.Service) *AuthHandler {
	return &AuthHandler{auth: authSvc, tokens: tokens, codes: codes, providers: providers, apps: appSvc}
}

type userView struct {
	ID                     string `json:"id"`
	Username               string `json:"username"`
	Email                  string `json:"email,omitempty"`
	Phone                  string `json:"phone,omitempty"`
	Status                 string `json:"status"`
	RequiresPasswordChange bool   `json:"requires_password_change"`
}

func viewUser(u *storage.User) *userView {
	return &userView{
		ID:                     u.ID.String(),
		Username:               u.Username,
		Email:                  u.Email,
		Phone:                  u.Phone,
		Status:                 string(u.Status),
		RequiresPasswordChange: !u.PasswordChanged,
	}
}

type tokenResponse struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	SSOSessionToken string    `json:"sso_session_token,omitempty"`
	TokenType       string    `json:"token_type"`
	ExpiresIn       int64     `json:"expires_in"`
	User            *userView `json:"user,omitempty"`
	IsNewUser       *bool     `json:"is_new_user,omitempty"`
	RequestID       string    `json:"request_id"`
}

type mfaChallengeResponse struct {
	RequiresMFA  bool   `json:"requires_mfa"`
	PreAuthToken string `json:"pre_auth_token"`
	RequestID    string `json:"request_id"`
}

func (h *AuthHandler) respondLogin(w http.ResponseWriter, r *http.Request, res *auth.LoginResult, isNew *bool) {
	if res.RequiresMFA {
		helpers.RespondJSON(w, http.StatusOK, mfaChallengeResponse{
			RequiresMFA:  true,
			PreAuthToken: res.PreAuthToken,
			RequestID:    helpers.GetRequestID(r.Context()),
		})
		return
	}

	view := viewUser(res.User)
	view.RequiresPasswordChange = res.RequiresPasswordChange
	helpers.RespondJSON(w, http.StatusOK, tokenResponse{
		AccessToken:     res.Pair.AccessToken,
		RefreshToken:    res.Pair.RefreshToken,
		SSOSessionToken: res.Pair.SSOSessionToken,
		TokenType:       "bearer",
		ExpiresIn:       res.Pair.ExpiresIn,
		User:            view,
		IsNewUser:       isNew,
		RequestID:       helpers.GetRequestID(r.Context()),
	})
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{IP: helpers.GetRealIP(r), UserAgent: r.UserAgent()}
}

// RegisterEmail handles POST /auth/register/email. With a verification
// code the account starts active; without one it starts pending and a
// verification link is mailed.
func (h *AuthHandler) RegisterEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email            string `json:"email"`
		Password         string `json:"password"`
		Username         string `json:"username"`
		VerificationCode string `json:"verification_code"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		helpers.RespondError(w, r, apierr.Validation("email and password are required"))
		return
	}

	app := middleware.GetApp(r.Context())
	user, err := h.auth.RegisterWithEmail(r.Context(), app.AppID, auth.EmailRegistration{
		Email:            req.Email,
		Password:         req.Password,
		Username:         req.Username,
		VerificationCode: req.VerificationCode,
	}, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"user_id":    user.ID,
		"status":     user.Status,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// RegisterPhone handles POST /auth/register/phone. The SMS code is
// mandatory; phone accounts are only created verified.
func (h *AuthHandler) RegisterPhone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone            string `json:"phone"`
		VerificationCode string `json:"verification_code"`
		Password         string `json:"password"`
		Username         string `json:"username"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Phone == "" || req.VerificationCode == "" || req.Password == "" {
		helpers.RespondError(w, r, apierr.Validation("phone, verification_code and password are required"))
		return
	}

	app := middleware.GetApp(r.Context())
	user, err := h.auth.RegisterWithPhone(r.Context(), app.AppID, auth.PhoneRegistration{
		Phone:            req.Phone,
		VerificationCode: req.VerificationCode,
		Password:         req.Password,
		Username:         req.Username,
	}, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"user_id":    user.ID,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// SendEmailCode handles POST /auth/send-email-code. In debug mode the
// code is echoed in the response.
func (h *AuthHandler) SendEmailCode(w http.ResponseWriter, r *http.Request) {
	h.sendCode(w, r, "email")
}

// SendSMSCode handles POST /auth/send-sms.
func (h *AuthHandler) SendSMSCode(w http.ResponseWriter, r *http.Request) {
	h.sendCode(w, r, "sms")
}

func (h *AuthHandler) sendCode(w http.ResponseWriter, r *http.Request, targetType string) {
	var req struct {
		Email string `json:"email"`
		Phone string `json:"phone"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	target, field := req.Email, "email"
	if targetType == "sms" {
		target, field = req.Phone, "phone"
	}
	if target == "" {
		helpers.RespondError(w, r, apierr.Validation(field+" is required"))
		return
	}

	echo, err := h.codes.Send(r.Context(), targetType, target)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	body := map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	}
	if echo != "" {
		body["code"] = echo
	}
	helpers.RespondJSON(w, http.StatusOK, body)
}

// VerifyEmail handles POST /auth/verify-email: consumes the mailed link
// token and activates the pending account.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Token == "" {
		helpers.RespondError(w, r, apierr.Validation("token is required"))
		return
	}

	if err := h.auth.VerifyEmail(r.Context(), req.Token, requestMeta(r)); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// Login handles POST /auth/login (identifier + password).
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Identifier == "" || req.Password == "" {
		helpers.RespondError(w, r, apierr.Validation("identifier and password are required"))
		return
	}

	app := middleware.GetApp(r.Context())
	res, err := h.auth.Login(r.Context(), app.AppID, req.Identifier, req.Password, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	h.respondLogin(w, r, res, nil)
}

// LoginEmailCode handles POST /auth/login/email-code.
func (h *AuthHandler) LoginEmailCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	app := middleware.GetApp(r.Context())
	res, err := h.auth.LoginWithEmailCode(r.Context(), app.AppID, req.Email, req.Code, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	h.respondLogin(w, r, res, nil)
}

// LoginPhoneCode handles POST /auth/login/phone-code.
func (h *AuthHandler) LoginPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	app := middleware.GetApp(r.Context())
	res, err := h.auth.LoginWithPhoneCode(r.Context(), app.AppID, req.Phone, req.Code, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	h.respondLogin(w, r, res, nil)
}

// LoginSSO handles POST /auth/login/sso: exchanges a live SSO session
// for tokens bound to the calling application (cross-app login).
func (h *AuthHandler) LoginSSO(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SSOSessionToken string `json:"sso_session_token"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.SSOSessionToken == "" {
		helpers.RespondError(w, r, apierr.Validation("sso_session_token is required"))
		return
	}

	app := middleware.GetApp(r.Context())
	res, err := h.auth.LoginWithSSO(r.Context(), app.AppID, req.SSOSessionToken, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	h.respondLogin(w, r, res, nil)
}

// LoginOAuth handles POST /auth/oauth/{provider}: exchanges the
// authorization code with the provider using the app's own client
// credentials, then finds or creates the matching account.
func (h *AuthHandler) LoginOAuth(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	var req struct {
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Code == "" {
		helpers.RespondError(w, r, apierr.Validation("code is required"))
		return
	}

	provider, err := h.providers.Get(providerName)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	app := middleware.GetApp(r.Context())
	clientID, clientSecret, err := h.apps.OAuthCredential(app, providerName)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	profile, err := provider.Exchange(r.Context(), clientID, clientSecret, req.Code, req.RedirectURI)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	res, isNew, err := h.auth.CompleteOAuthLogin(r.Context(), app.AppID, *profile, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	h.respondLogin(w, r, res, &isNew)
}

// LoginMFA handles POST /auth/mfa/login: pre-auth token + TOTP code.
func (h *AuthHandler) LoginMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PreAuthToken string `json:"pre_auth_token"`
		Code         string `json:"code"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.PreAuthToken == "" || req.Code == "" {
		helpers.RespondError(w, r, apierr.Validation("pre_auth_token and code are required"))
		return
	}

	app := middleware.GetApp(r.Context())
	res, err := h.auth.LoginWithMFA(r.Context(), app.AppID, req.PreAuthToken, req.Code, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	h.respondLogin(w, r, res, nil)
}

// Refresh handles POST /auth/refresh: rotates the refresh token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		helpers.RespondError(w, r, apierr.Validation("refresh_token is required"))
		return
	}

	app := middleware.GetApp(r.Context())
	pair, err := h.tokens.Refresh(r.Context(), req.RefreshToken, app.AppID)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	helpers.RespondJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
		RequestID:    helpers.GetRequestID(r.Context()),
	})
}

// Logout handles POST /auth/logout. Revoking an unknown token still
// succeeds: logout is idempotent.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	if err := h.tokens.Logout(r.Context(), req.RefreshToken); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ForgotPassword handles POST /auth/forgot-password. Always 200 so the
// response does not reveal whether the address exists.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Email == "" {
		helpers.RespondError(w, r, apierr.Validation("email is required"))
		return
	}

	if err := h.auth.ForgotPassword(r.Context(), req.Email, requestMeta(r)); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ResetPassword handles POST /auth/reset-password with the mailed
// single-use token.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		helpers.RespondError(w, r, apierr.Validation("token and new_password are required"))
		return
	}

	if err := h.auth.ResetPassword(r.Context(), req.Token, req.NewPassword, requestMeta(r)); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ChangePassword handles POST /auth/change-password (bearer).
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		helpers.RespondError(w, r, apierr.InvalidToken("request is not authenticated"))
		return
	}

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		helpers.RespondError(w, r, apierr.Validation("old_password and new_password are required"))
		return
	}

	if err := h.auth.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword, requestMeta(r)); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// SetupMFA handles POST /auth/mfa/setup (bearer): returns the TOTP
// secret and otpauth URL; MFA stays off until the first code verifies.
func (h *AuthHandler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		helpers.RespondError(w, r, apierr.InvalidToken("request is not authenticated"))
		return
	}

	setup, err := h.auth.SetupMFA(r.Context(), userID)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"secret":      setup.Secret,
		"otpauth_url": setup.OTPAuthURL,
		"request_id":  helpers.GetRequestID(r.Context()),
	})
}

// VerifyMFA handles POST /auth/mfa/verify (bearer): enables MFA after a
// first valid code.
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		helpers.RespondError(w, r, apierr.InvalidToken("request is not authenticated"))
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	if err := h.auth.VerifyMFASetup(r.Context(), userID, req.Code, requestMeta(r)); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}
