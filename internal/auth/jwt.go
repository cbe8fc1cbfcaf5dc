// Package auth issues and validates the operator bearer tokens that guard
// the control endpoints of the API.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token defaults.
const (
	// DefaultTokenTTL is the validity of an operator token when none is given.
	DefaultTokenTTL = 24 * time.Hour

	// DefaultIssuer is the issuer claim of operator tokens.
	DefaultIssuer = "homedeck"

	// DefaultAudience is the audience claim of operator tokens.
	DefaultAudience = "homedeck-control"
)

// Scopes granted to operators.
const (
	// ScopeControl allows starting, stopping, restarting and refreshing sources.
	ScopeControl = "sources:control"

	// ScopeRead allows reading source status and events.
	ScopeRead = "sources:read"
)

// Predefined token errors.
var (
	ErrInvalidToken    = errors.New("invalid operator token")
	ErrTokenExpired    = errors.New("operator token has expired")
	ErrMissingScope    = errors.New("operator token lacks required scope")
	ErrEmptySigningKey = errors.New("signing key is required")
)

// Claims represents the claims of an operator token.
type Claims struct {
	jwt.RegisteredClaims

	// Scopes lists the granted scopes.
	Scopes []string `json:"scp"`
}

// Operator returns the operator the token was issued to.
func (c *Claims) Operator() string {
	return c.Subject
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenConfig holds configuration for the token service.
type TokenConfig struct {
	// SigningKey is the secret key used to sign tokens (required).
	SigningKey string

	// Issuer is the issuer claim.
	// Default: "homedeck"
	Issuer string

	// Audience is the audience claim.
	// Default: "homedeck-control"
	Audience string

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time
}

// TokenService handles operator token creation and validation.
type TokenService struct {
	signingKey []byte
	issuer     string
	audience   string
	clock      func() time.Time
}

// NewTokenService creates a new token service.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.SigningKey == "" {
		return nil, ErrEmptySigningKey
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &TokenService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		clock:      cfg.Clock,
	}, nil
}

// Issue creates a signed token for operator valid for ttl. A zero ttl uses
// DefaultTokenTTL.
func (s *TokenService) Issue(operator string, ttl time.Duration, scopes ...string) (string, time.Time, error) {
	if operator == "" {
		return "", time.Time{}, fmt.Errorf("%w: operator is required", ErrInvalidToken)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := s.clock()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   operator,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing operator token: %w", err)
	}

	return signed, expiresAt, nil
}

// Validate parses a token and returns its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
