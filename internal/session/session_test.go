package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestFromToken(t *testing.T) {
	token := signedToken(t, Claims{
		UserID:      "u1",
		Role:        "buyer",
		DisplayName: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	s, err := FromToken(token)
	if err != nil {
		t.Fatalf("FromToken failed: %v", err)
	}
	if s.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", s.UserID)
	}
	if string(s.Role) != "buyer" {
		t.Errorf("Role = %q, want buyer", s.Role)
	}
	if s.InstanceID == "" {
		t.Error("InstanceID is empty")
	}
	if err := s.Valid(); err != nil {
		t.Errorf("Valid failed: %v", err)
	}
}

func TestFromToken_SubjectFallback(t *testing.T) {
	token := signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u42"},
	})

	s, err := FromToken(token)
	if err != nil {
		t.Fatalf("FromToken failed: %v", err)
	}
	if s.UserID != "u42" {
		t.Errorf("UserID = %q, want u42", s.UserID)
	}
}

func TestFromToken_Expired(t *testing.T) {
	token := signedToken(t, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	if _, err := FromToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestFromToken_Empty(t *testing.T) {
	if _, err := FromToken(""); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestValid_NilSession(t *testing.T) {
	var s *Session
	if err := s.Valid(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
}
