// Package session derives the authenticated identity that drives the
// channel from a marketplace-issued JWT access token. The token is
// decoded client-side without signature verification: the signing secret
// lives on the server, and every request carries the raw token anyway,
// so the server remains the authority.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tradeloop/chatwire/internal/model"
)

var (
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrTokenExpired     = errors.New("session: token expired")
)

// Claims are the marketplace token claims this client consumes.
type Claims struct {
	UserID      string `json:"userId"`
	Role        string `json:"role"` // "buyer" or "seller"
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

// Session is the authenticated identity for one channel. At most one
// live channel exists per session; InstanceID distinguishes restarts of
// the same user on the server side.
type Session struct {
	UserID      string
	Role        model.Role
	DisplayName string
	Token       string
	InstanceID  string
	ExpiresAt   time.Time
}

// FromToken builds a Session from a JWT access token.
func FromToken(token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if claims.UserID == "" {
		// Some issuers put the user id in the standard subject claim.
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("parse token: missing user id claim")
	}

	s := &Session{
		UserID:      claims.UserID,
		Role:        model.Role(claims.Role),
		DisplayName: claims.DisplayName,
		Token:       token,
		InstanceID:  uuid.NewString(),
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}

	if err := s.Valid(); err != nil {
		return nil, err
	}
	return s, nil
}

// Valid reports whether the session can still drive channel operations.
func (s *Session) Valid() error {
	if s == nil || s.UserID == "" {
		return ErrNotAuthenticated
	}
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}
