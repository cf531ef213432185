package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/storage"
)

// AppDirectory is the registry slice the auth middleware needs.
// *apps.Service satisfies it.
type AppDirectory interface {
	Authenticate(ctx context.Context, appID uuid.UUID, appSecret string) (*storage.Application, error)
	Identify(ctx context.Context, appID uuid.UUID) (*storage.Application, error)
}

// TokenValidator validates bearer tokens. *auth.JWTProvider satisfies it.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// RequireAppCredentials authenticates the X-App-Id / X-App-Secret header
// pair and stores the application in the request context.
func RequireAppCredentials(dir AppDirectory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			appID, err := parseAppID(r)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}
			secret := r.Header.Get("X-App-Secret")
			if secret == "" {
				helpers.RespondError(w, r, apierr.InvalidCredentials("application credentials are required"))
				return
			}

			app, err := dir.Authenticate(r.Context(), appID, secret)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}
			next.ServeHTTP(w, withApp(r, app))
		})
	}
}

// RequireBearer validates the access token and cross-checks the X-App-Id
// header against the token's app_id claim: a token minted for app A is
// rejected when presented under app B.
func RequireBearer(validator TokenValidator, dir AppDirectory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				helpers.RespondError(w, r, apierr.InvalidToken("authorization header is missing"))
				return
			}

			claims, err := validator.ValidateToken(raw)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}
			if claims.TokenType != auth.TokenTypeAccess {
				helpers.RespondError(w, r, apierr.InvalidToken("token is not an access token"))
				return
			}

			appID, err := parseAppID(r)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}
			if claims.AppID != appID.String() {
				helpers.RespondError(w, r, apierr.InvalidToken("token was issued for a different application"))
				return
			}

			app, err := dir.Identify(r.Context(), appID)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}

			next.ServeHTTP(w, withClaims(withApp(r, app), claims))
		})
	}
}

// RequireAdmin validates a bearer token without the app cross-check and
// requires the super-admin predicate. Used by the admin surface.
func RequireAdmin(validator TokenValidator, admins SuperAdminChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				helpers.RespondError(w, r, apierr.InvalidToken("authorization header is missing"))
				return
			}

			claims, err := validator.ValidateToken(raw)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}
			if claims.TokenType != auth.TokenTypeAccess {
				helpers.RespondError(w, r, apierr.InvalidToken("token is not an access token"))
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				helpers.RespondError(w, r, apierr.InvalidToken("token subject is malformed"))
				return
			}

			isAdmin, err := admins.IsSuperAdmin(r.Context(), userID)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}
			if !isAdmin {
				helpers.RespondError(w, r, apierr.InsufficientScope("admin"))
				return
			}

			next.ServeHTTP(w, withClaims(r, claims))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func parseAppID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-App-Id")
	if raw == "" {
		return uuid.Nil, apierr.InvalidCredentials("X-App-Id header is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.InvalidCredentials("X-App-Id is not a valid uuid")
	}
	return id, nil
}
