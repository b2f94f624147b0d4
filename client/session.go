package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chorus/presence-service/models"
)

// TokenSession holds the access token an agent authenticates with. The
// token is never verified locally; the server re-verifies it on every call.
// Its exp claim only tells the scheduler when to stop.
type TokenSession struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	ended     bool
}

func NewTokenSession(token string) (*TokenSession, error) {
	if token == "" {
		return nil, fmt.Errorf("empty access token: %w", models.ErrUnauthenticated)
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("malformed access token: %w", err)
	}

	s := &TokenSession{token: token}
	if claims.ExpiresAt != nil {
		s.expiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Token returns the bearer token, or "" once the session has ended.
func (s *TokenSession) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended {
		return ""
	}
	return s.token
}

// Valid reports whether the session can still be used at now.
func (s *TokenSession) Valid(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended || s.token == "" {
		return false
	}
	return s.expiresAt.IsZero() || now.Before(s.expiresAt)
}

func (s *TokenSession) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// End logs the session out. It cannot be revived.
func (s *TokenSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}
