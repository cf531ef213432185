// Package apps manages the application registry: the tenants that call
// the platform with app_id + app_secret credentials.
package apps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/crypto"
	"github.com/wardenhq/warden/internal/storage"
)

const defaultRateLimit = 60 // requests per minute

// LoginMethods lists every method an application can enable.
var LoginMethods = []string{"password", "email_code", "phone_code", "oauth_google", "oauth_wechat", "sso"}

// Store is the persistence contract. *storage.AppStore satisfies it.
type Store interface {
	Create(ctx context.Context, a *storage.Application) error
	GetByID(ctx context.Context, appID uuid.UUID) (*storage.Application, error)
	List(ctx context.Context) ([]storage.Application, error)
	Update(ctx context.Context, appID uuid.UUID, upd storage.AppUpdate) error
	UpdateSecretHash(ctx context.Context, appID uuid.UUID, newHash string) error
	Delete(ctx context.Context, appID uuid.UUID) error
	SetOrganizations(ctx context.Context, appID uuid.UUID, orgIDs []uuid.UUID) error
	ListOrganizations(ctx context.Context, appID uuid.UUID) ([]uuid.UUID, error)
}

// Service owns application lifecycle and credential verification.
// App secrets are random, hashed at rest and shown exactly once; OAuth
// client secrets are sealed before they reach storage.
type Service struct {
	store  Store
	box    *crypto.SecretBox
	logger *slog.Logger
}

func NewService(store Store, box *crypto.SecretBox, logger *slog.Logger) *Service {
	return &Service{store: store, box: box, logger: logger}
}

// CreateInput carries the admin-supplied application fields.
type CreateInput struct {
	Name                string
	Description         string
	RateLimit           int
	SubscriptionPlanID  *uuid.UUID
	EnabledLoginMethods []string
	GrantedScopes       []string
	OAuthCredentials    map[string]storage.OAuthCredential
	CreatedBy           *uuid.UUID
}

// Created is the creation result. AppSecret and WebhookSecret are the
// only time the plaintext secrets ever leave the service.
type Created struct {
	App           *storage.Application
	AppSecret     string
	WebhookSecret string
}

// Create registers a new application.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Created, error) {
	if in.Name == "" {
		return nil, apierr.Validation("application name is required")
	}
	if err := validateLoginMethods(in.EnabledLoginMethods); err != nil {
		return nil, err
	}

	appSecret, err := auth.GenerateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate app secret: %w", err)
	}
	webhookSecret, err := auth.GenerateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}

	creds, err := s.sealCredentials(in.OAuthCredentials)
	if err != nil {
		return nil, err
	}

	rateLimit := in.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	methods := in.EnabledLoginMethods
	if len(methods) == 0 {
		methods = []string{"password"}
	}

	app := &storage.Application{
		AppID:               uuid.New(),
		Name:                in.Name,
		Description:         in.Description,
		AppSecretHash:       auth.HashToken(appSecret),
		WebhookSecret:       webhookSecret,
		Status:              storage.AppActive,
		RateLimit:           rateLimit,
		SubscriptionPlanID:  in.SubscriptionPlanID,
		EnabledLoginMethods: methods,
		GrantedScopes:       in.GrantedScopes,
		OAuthCredentials:    creds,
		CreatedBy:           in.CreatedBy,
		CreatedAt:           time.Now(),
	}
	if err := s.store.Create(ctx, app); err != nil {
		return nil, err
	}

	s.logger.Info("application_created", "app_id", app.AppID, "name", app.Name)
	return &Created{App: app, AppSecret: appSecret, WebhookSecret: webhookSecret}, nil
}

// Authenticate verifies app_id + app_secret and returns the application.
// Disabled applications fail with app_disabled even on a correct secret.
func (s *Service) Authenticate(ctx context.Context, appID uuid.UUID, appSecret string) (*storage.Application, error) {
	app, err := s.store.GetByID(ctx, appID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.InvalidCredentials("unknown application or wrong secret")
		}
		return nil, fmt.Errorf("lookup application: %w", err)
	}

	if !auth.SecureCompare(auth.HashToken(appSecret), app.AppSecretHash) {
		return nil, apierr.InvalidCredentials("unknown application or wrong secret")
	}
	if app.Status != storage.AppActive {
		return nil, apierr.AppDisabled()
	}
	return app, nil
}

// Identify resolves an app_id without checking the secret, for read-only
// identification contexts (token validation, rate limiting).
func (s *Service) Identify(ctx context.Context, appID uuid.UUID) (*storage.Application, error) {
	app, err := s.store.GetByID(ctx, appID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.InvalidToken("token references an unknown application")
		}
		return nil, fmt.Errorf("lookup application: %w", err)
	}
	if app.Status != storage.AppActive {
		return nil, apierr.AppDisabled()
	}
	return app, nil
}

func (s *Service) Get(ctx context.Context, appID uuid.UUID) (*storage.Application, error) {
	return s.store.GetByID(ctx, appID)
}

func (s *Service) List(ctx context.Context) ([]storage.Application, error) {
	return s.store.List(ctx)
}

// Update applies a partial update. OAuth credentials are sealed on the
// way in; already-sealed values pass through untouched.
func (s *Service) Update(ctx context.Context, appID uuid.UUID, upd storage.AppUpdate) error {
	if upd.EnabledLoginMethods != nil {
		if err := validateLoginMethods(upd.EnabledLoginMethods); err != nil {
			return err
		}
	}
	if upd.OAuthCredentials != nil {
		sealed, err := s.sealCredentials(upd.OAuthCredentials)
		if err != nil {
			return err
		}
		upd.OAuthCredentials = sealed
	}
	if err := s.store.Update(ctx, appID, upd); err != nil {
		return err
	}
	s.logger.Info("application_updated", "app_id", appID)
	return nil
}

// ResetSecret replaces the app secret and returns the new plaintext,
// shown once. Outstanding user tokens survive; only the app credential
// changes.
func (s *Service) ResetSecret(ctx context.Context, appID uuid.UUID) (string, error) {
	secret, err := auth.GenerateSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("generate app secret: %w", err)
	}
	if err := s.store.UpdateSecretHash(ctx, appID, auth.HashToken(secret)); err != nil {
		return "", err
	}
	s.logger.Info("application_secret_reset", "app_id", appID)
	return secret, nil
}

func (s *Service) Delete(ctx context.Context, appID uuid.UUID) error {
	if err := s.store.Delete(ctx, appID); err != nil {
		return err
	}
	s.logger.Info("application_deleted", "app_id", appID)
	return nil
}

func (s *Service) SetOrganizations(ctx context.Context, appID uuid.UUID, orgIDs []uuid.UUID) error {
	return s.store.SetOrganizations(ctx, appID, orgIDs)
}

func (s *Service) ListOrganizations(ctx context.Context, appID uuid.UUID) ([]uuid.UUID, error) {
	return s.store.ListOrganizations(ctx, appID)
}

// OAuthCredential returns the unsealed client credential for a provider.
func (s *Service) OAuthCredential(app *storage.Application, provider string) (clientID, clientSecret string, err error) {
	cred, ok := app.OAuthCredentials[provider]
	if !ok || cred.ClientID == "" {
		return "", "", apierr.LoginMethodDisabled("oauth_" + provider)
	}
	secret := cred.ClientSecret
	if crypto.IsSealed(secret) {
		secret, err = s.box.Open(secret)
		if err != nil {
			return "", "", fmt.Errorf("unseal oauth credential for %s: %w", provider, err)
		}
	}
	return cred.ClientID, secret, nil
}

func (s *Service) sealCredentials(in map[string]storage.OAuthCredential) (map[string]storage.OAuthCredential, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]storage.OAuthCredential, len(in))
	for provider, cred := range in {
		if cred.ClientSecret != "" && !crypto.IsSealed(cred.ClientSecret) {
			sealed, err := s.box.Seal(cred.ClientSecret)
			if err != nil {
				return nil, fmt.Errorf("seal oauth credential for %s: %w", provider, err)
			}
			cred.ClientSecret = sealed
		}
		out[provider] = cred
	}
	return out, nil
}

func validateLoginMethods(methods []string) error {
	for _, m := range methods {
		known := false
		for _, k := range LoginMethods {
			if m == k {
				known = true
				break
			}
		}
		if !known {
			return apierr.Validation("unknown login method: " + m)
		}
	}
	return nil
}
