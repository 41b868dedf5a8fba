// Package session decodes the backend's bearer token into an explicitly
// passed session context. The signature is not verified: the backend is the
// authority, the token's payload is only read for display and routing.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed    = errors.New("session: malformed token")
	ErrExpired      = errors.New("session: token expired")
	ErrUnauthorized = errors.New("session: rejected by backend")
)

// Claims mirrors the payload the backend signs into access tokens.
type Claims struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	CompanyID   string `json:"companyId"`
	CompanyName string `json:"companyName,omitempty"`
	jwtlib.RegisteredClaims
}

type Session struct {
	Token  string
	Claims Claims
}

// Parse decodes the token payload without checking the signature or expiry.
func Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrMalformed
	}
	claims := &Claims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims, nil
}

// New builds a session and discards tokens that are already expired at now.
func New(token string, now time.Time) (*Session, error) {
	claims, err := Parse(token)
	if err != nil {
		return nil, err
	}
	s := &Session{Token: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")), Claims: *claims}
	if s.Expired(now) {
		return nil, ErrExpired
	}
	return s, nil
}

// Expired is true once exp is in the past. Tokens without exp never expire.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.Claims.ExpiresAt == nil {
		return false
	}
	return !s.Claims.ExpiresAt.Time.After(now)
}

func (s *Session) UserID() string    { return s.Claims.Subject }
func (s *Session) CompanyID() string { return s.Claims.CompanyID }

// ExpiresAt returns the zero time when the token carries no exp.
func (s *Session) ExpiresAt() time.Time {
	if s.Claims.ExpiresAt == nil {
		return time.Time{}
	}
	return s.Claims.ExpiresAt.Time
}

// StreamAuth is the handshake payload the real-time channel expects.
func (s *Session) StreamAuth() map[string]string {
	return map[string]string{"token": s.Token, "companyId": s.Claims.CompanyID}
}
