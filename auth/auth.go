// Package auth verifies bearer credentials into principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chorus/presence-service/models"
)

// Principal is an already-verified identity.
type Principal struct {
	ID string
}

// Verifier turns a raw token into a Principal. Implementations return an
// error wrapping models.ErrUnauthenticated for missing or invalid tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Claims carries the subject in user_id, as issued by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// JWTVerifier verifies HMAC-signed tokens.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, fmt.Errorf("missing token: %w", models.ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the alg is what we expect
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("invalid token: %w", errors.Join(models.ErrUnauthenticated, err))
	}

	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return Principal{}, fmt.Errorf("token has no subject: %w", models.ErrUnauthenticated)
	}

	return Principal{ID: subject}, nil
}

// GenerateToken issues an HS256 token for subjectID. The presence service
// never issues tokens itself; this exists for tooling and tests.
func GenerateToken(subjectID string, secret []byte, validity time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		UserID: subjectID,
	})
	return token.SignedString(secret)
}

// ExtractToken reads the bearer token from the Authorization header, falling
// back to the token query parameter for websocket upgrades.
func ExtractToken(r *http.Request) string {
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimPrefix(bearerToken, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
