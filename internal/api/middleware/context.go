// Package middleware implements the gateway admission pipeline as
// ordered chi middleware: request identity, logging, recovery, metrics,
// application auth, login-method and scope gates, rate limiting, quota
// reservation, and the user-binding check.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/quota"
	"github.com/wardenhq/warden/internal/storage"
)

type ctxKey int

const (
	ctxKeyApp ctxKey = iota
	ctxKeyClaims
	ctxKeyUsage
)

// GetApp returns the authenticated application, or nil outside the
// app-auth middleware.
func GetApp(ctx context.Context) *storage.Application {
	app, _ := ctx.Value(ctxKeyApp).(*storage.Application)
	return app
}

func withApp(r *http.Request, app *storage.Application) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyApp, app))
}

// GetClaims returns the validated bearer claims, or nil on
// app-credential routes.
func GetClaims(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return c
}

// GetUserID parses the authenticated user's id from the bearer claims.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	c := GetClaims(ctx)
	if c == nil {
		return uuid.Nil, false
	}
	id, err := c.UserID()
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func withClaims(r *http.Request, c *auth.Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyClaims, c))
}

// GetUsage returns the quota snapshot taken by the reserve middleware.
func GetUsage(ctx context.Context) *quota.Usage {
	u, _ := ctx.Value(ctxKeyUsage).(*quota.Usage)
	return u
}

func withUsage(r *http.Request, u *quota.Usage) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyUsage, u))
}
