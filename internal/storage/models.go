package storage

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus is the identity lifecycle state.
type UserStatus string

const (
	UserPendingVerification UserStatus = "pending_verification"
	UserActive              UserStatus = "active"
	UserLocked              UserStatus = "locked"
)

// User is a platform account. Email or Phone is always non-empty.
type User struct {
	ID                  uuid.UUID
	Username            string
	Email               string
	Phone               string
	PasswordHash        string
	Status              UserStatus
	FailedLoginAttempts int
	LockedUntil         *time.Time
	PasswordChanged     bool
	MFAEnabled          bool
	MFASecret           string
	LastLoginAt         *time.Time
	CreatedAt           time.Time
}

// RefreshToken is the stored (hashed) half of an opaque refresh token.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AppID     uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
	CreatedAt time.Time
}

// SSOSession is a server-side cross-application login session.
type SSOSession struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	SessionToken   string
	ExpiresAt      time.Time
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// Role groups permissions. System roles cannot be deleted.
type Role struct {
	ID           uuid.UUID
	Name         string
	Description  string
	IsSystemRole bool
	CreatedAt    time.Time
}

// Permission is a "resource:action" capability.
type Permission struct {
	ID        uuid.UUID
	Name      string
	Resource  string
	Action    string
	CreatedAt time.Time
}

// Organization is a node in the org tree. Path is the materialized
// "/a/b/c" chain; Level is the depth (root = 0, max 10).
type Organization struct {
	ID        uuid.UUID
	ParentID  *uuid.UUID
	Name      string
	Path      string
	Level     int
	CreatedAt time.Time
}

// AppStatus is the application lifecycle state.
type AppStatus string

const (
	AppActive   AppStatus = "active"
	AppDisabled AppStatus = "disabled"
)

// OAuthCredential is a per-provider client credential pair. ClientSecret
// is stored sealed (AES-GCM) and only unsealed for the exchange call.
type OAuthCredential struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Application is a third-party tenant of the platform.
type Application struct {
	AppID               uuid.UUID
	Name                string
	Description         string
	AppSecretHash       string
	WebhookSecret       string
	Status              AppStatus
	RateLimit           int
	SubscriptionPlanID  *uuid.UUID
	EnabledLoginMethods []string
	GrantedScopes       []string
	OAuthCredentials    map[string]OAuthCredential
	CreatedBy           *uuid.UUID
	CreatedAt           time.Time
}

// HasLoginMethod reports whether the method is enabled for the app.
func (a *Application) HasLoginMethod(method string) bool {
	for _, m := range a.EnabledLoginMethods {
		if m == method {
			return true
		}
	}
	return false
}

// HasScope reports whether the scope is granted to the app.
func (a *Application) HasScope(scope string) bool {
	for _, s := range a.GrantedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// SubscriptionPlan defines quota limits per billing cycle. -1 = unlimited.
type SubscriptionPlan struct {
	ID              uuid.UUID
	Name            string
	DurationDays    int
	Price           float64
	RequestQuota    int64
	TokenQuota      int64
	QuotaPeriodDays int
	IsActive        bool
	CreatedAt       time.Time
}

// SubscriptionStatus is the user-subscription lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// UserSubscription binds a user to a plan.
type UserSubscription struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	PlanID    uuid.UUID
	Status    SubscriptionStatus
	StartDate time.Time
	EndDate   time.Time
	AutoRenew bool
}

// QuotaCounter is the live per-app usage record for the current billing
// cycle. Override limits, when set, beat the plan's limits.
type QuotaCounter struct {
	AppID                uuid.UUID
	CycleStart           time.Time
	CycleEnd             time.Time
	RequestUsed          int64
	TokenUsed            int64
	OverrideRequestLimit *int64
	OverrideTokenLimit   *int64
}

// ResetType distinguishes automatic rollover snapshots from manual resets.
type ResetType string

const (
	ResetAuto   ResetType = "auto"
	ResetManual ResetType = "manual"
)

// QuotaSnapshot is the immutable record of a closed billing cycle.
type QuotaSnapshot struct {
	ID           uuid.UUID
	AppID        uuid.UUID
	CycleStart   time.Time
	CycleEnd     time.Time
	RequestLimit int64
	RequestUsed  int64
	TokenLimit   int64
	TokenUsed    int64
	ResetType    ResetType
	CreatedAt    time.Time
}

// AuditEntry is an append-only record of a mutating action or an
// authentication outcome.
type AuditEntry struct {
	ID           uuid.UUID
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IPAddress    string
	UserAgent    string
	CreatedAt    time.Time
}

// RecoveryTokenType distinguishes the two single-use recovery flows.
type RecoveryTokenType string

const (
	RecoveryPasswordReset     RecoveryTokenType = "password_reset"
	RecoveryEmailVerification RecoveryTokenType = "email_verification"
)

// RecoveryToken is a hashed single-use token for password reset or email
// verification.
type RecoveryToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	Type      RecoveryTokenType
	ExpiresAt time.Time
	CreatedAt time.Time
}

// OutboxStatus is the notification delivery state.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxMessage is a queued notification, delivered at-least-once by the
// worker and idempotent by ID.
type OutboxMessage struct {
	ID            uuid.UUID
	Kind          string // "email" | "sms"
	Recipient     string
	Template      string
	Variables     map[string]string
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	SentAt        *time.Time
}
