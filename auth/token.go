// Package auth is the identity collaborator boundary: it turns a
// presented credential into a (user id, valid until) pair. The core
// treats authentication as resolved at registration time and only
// checks expiry afterwards.
package auth

import (
	"fmt"
	"time"

	"chathub/domain"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Verifier validates credentials against the server's signing secret.
// The secret comes from configuration, never from source.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates the signature and expiration of a JWT
// string and extracts the authenticated identity.
func (v *Verifier) Verify(tokenString string) (domain.UserID, time.Time, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token validation: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return "", time.Time{}, jwt.ErrSignatureInvalid
	}
	if claims.UserID == "" {
		return "", time.Time{}, jwt.ErrTokenInvalidClaims
	}

	var validUntil time.Time
	if claims.ExpiresAt != nil {
		validUntil = claims.ExpiresAt.Time
	}
	return domain.UserID(claims.UserID), validUntil, nil
}

// GenerateToken creates a signed JWT for a specific user. Used by the
// token tool and by tests; the production issuer lives outside this
// service.
func GenerateToken(secret []byte, userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &CustomClaims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "chathub",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
