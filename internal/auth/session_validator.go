package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims mirrors the JWT payload emitted by the external identity provider.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how to validate identity-provider JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// SessionValidator validates HS256 JWTs issued by the identity provider.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if claims.Issuer != v.issuer {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" && strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}
