// Package auth validates registration tokens and mints short-lived bearer
// tokens for the ops API.
package auth

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chorus-relay/chorus/internal/config"
)

var (
	// ErrInvalidToken is returned when a presented token does not match the
	// configured shared secret.
	ErrInvalidToken = errors.New("invalid auth token")
	// ErrUnauthorized is returned for malformed or expired API tokens.
	ErrUnauthorized = errors.New("unauthorized")
)

// Claims are the JWT claims carried by ops API tokens.
type Claims struct {
	Subject string `json:"sub_name,omitempty"`
	jwt.RegisteredClaims
}

// Service performs token checks. Registration auth is a stateless
// constant-time comparison against the shared secret; API tokens are HS256
// JWTs signed with that same secret.
type Service struct {
	secret   []byte
	lifetime time.Duration
}

// NewService creates an auth service from configuration.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		secret:   []byte(cfg.Token),
		lifetime: cfg.APITokenLifetime.Duration,
	}
}

// CheckSharedSecret validates a registration token.
func (s *Service) CheckSharedSecret(token string) error {
	if !hmac.Equal([]byte(token), s.secret) {
		return ErrInvalidToken
	}
	return nil
}

// IssueAPIToken mints a short-lived bearer token for the ops API.
func (s *Service) IssueAPIToken(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
			Issuer:    "chorus",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateAPIToken accepts either the shared secret itself or a JWT minted
// by IssueAPIToken.
func (s *Service) ValidateAPIToken(tokenStr string) error {
	if hmac.Equal([]byte(tokenStr), s.secret) {
		return nil
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrUnauthorized
	}
	return nil
}
