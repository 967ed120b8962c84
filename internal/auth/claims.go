// Package auth issues and validates admin API tokens.
//
// Admin endpoints (adoption, config, command enqueue, deletion) are
// protected by short-lived HS256 JWTs minted from the server's configured
// secret. Device endpoints never use these tokens; devices authenticate
// with request signatures instead.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "fleetd"

// Claims are the JWT claims carried by an admin token. The subject is the
// operator name the token was issued to; informational only, since fleetd
// has no per-operator permissions.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken mints an admin token for the given subject.
//
// Parameters:
//   - secret: Shared HS256 signing secret
//   - subject: Operator name embedded in the token
//   - ttl: Token lifetime
//
// Returns:
//   - string: Signed compact JWT
//   - error: If signing fails
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a compact JWT and returns its claims.
//
// Validation enforces the HS256 signing method, the fleetd issuer, and
// the standard time claims. Any failure returns ErrInvalidToken; the
// reason is not exposed to callers.
func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
