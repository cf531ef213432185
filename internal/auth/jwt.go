package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
)

const (
	// TokenTypeAccess marks a normal access token.
	TokenTypeAccess = "access"
	// TokenTypePreAuth marks the short-lived token bridging password
	// verification and MFA completion.
	TokenTypePreAuth = "pre_auth"

	issuer = "warden"
)

// Claims are the custom JWT claims of an access token. AppID binds the
// token to the issuing application; tokens without it are rejected.
type Claims struct {
	AppID     string `json:"app_id,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// JWK is a single JSON Web Key (RSA public, sig use).
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the published key set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// TokenProvider signs and validates access tokens.
type TokenProvider interface {
	GenerateAccessToken(userID, appID uuid.UUID) (string, error)
	GeneratePreAuthToken(userID, appID uuid.UUID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	JWKS() *JWKS
}

// validationKey is one public key admitted during validation. Keeping a
// secondary key lets tokens signed before a rotation verify until they
// expire.
type validationKey struct {
	kid string
	key *rsa.PublicKey
}

// JWTProvider implements TokenProvider with RS256.
type JWTProvider struct {
	privateKey    *rsa.PrivateKey
	kid           string
	accessTTL     time.Duration
	preAuthTTL    time.Duration
	validationSet []validationKey
	now           func() time.Time
}

// JWTOptions configures a JWTProvider.
type JWTOptions struct {
	PrivateKeyPEM      string
	KeyID              string
	SecondaryPublicPEM string // optional rotation overlap
	SecondaryKeyID     string
	AccessTTL          time.Duration
	PreAuthTTL         time.Duration
}

// NewJWTProvider parses the signing key material. It fails fast on
// malformed keys rather than limping along unsigned.
func NewJWTProvider(opts JWTOptions) (*JWTProvider, error) {
	priv, err := parsePrivateKey(opts.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	if opts.AccessTTL == 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.PreAuthTTL == 0 {
		opts.PreAuthTTL = 5 * time.Minute
	}
	if opts.KeyID == "" {
		opts.KeyID = "sig-1"
	}

	p := &JWTProvider{
		privateKey: priv,
		kid:        opts.KeyID,
		accessTTL:  opts.AccessTTL,
		preAuthTTL: opts.PreAuthTTL,
		now:        time.Now,
		validationSet: []validationKey{
			{kid: opts.KeyID, key: &priv.PublicKey},
		},
	}

	if opts.SecondaryPublicPEM != "" {
		pub, err := parsePublicKey(opts.SecondaryPublicPEM)
		if err != nil {
			return nil, fmt.Errorf("secondary public key: %w", err)
		}
		p.validationSet = append(p.validationSet, validationKey{kid: opts.SecondaryKeyID, key: pub})
	}

	return p, nil
}

// GenerateAccessToken signs an access token bound to (userID, appID).
func (p *JWTProvider) GenerateAccessToken(userID, appID uuid.UUID) (string, error) {
	return p.sign(userID, appID, TokenTypeAccess, p.accessTTL)
}

// GeneratePreAuthToken signs the MFA bridging token. It carries app_id
// too so MFA completion stays bound to the calling application.
func (p *JWTProvider) GeneratePreAuthToken(userID, appID uuid.UUID) (string, error) {
	return p.sign(userID, appID, TokenTypePreAuth, p.preAuthTTL)
}

func (p *JWTProvider) sign(userID, appID uuid.UUID, tokenType string, ttl time.Duration) (string, error) {
	now := p.now()
	claims := Claims{
		AppID:     appID.String(),
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ID:        uuid.NewString(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-60 * time.Second)), // clock skew
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies the signature (against the validation set,
// selected by kid), expiry, token type, and the presence of app_id.
// Tokens issued before app binding existed carry no app_id and are
// rejected.
func (p *JWTProvider) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		for _, vk := range p.validationSet {
			if vk.kid == kid {
				return vk.key, nil
			}
		}
		// No kid match: try the primary so legacy kid-less tokens from
		// the same key still verify.
		return p.validationSet[0].key, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apierr.TokenExpired("token has expired")
		}
		return nil, apierr.InvalidToken("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apierr.InvalidToken("token is invalid")
	}
	if claims.AppID == "" {
		return nil, apierr.InvalidToken("token lacks an application binding")
	}
	return claims, nil
}

// JWKS exports the public half of the validation set.
func (p *JWTProvider) JWKS() *JWKS {
	set := &JWKS{}
	for _, vk := range p.validationSet {
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Kid: vk.kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(vk.key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(vk.key.E)).Bytes()),
		})
	}
	return set
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key material")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key material")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}
