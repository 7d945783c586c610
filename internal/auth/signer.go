package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/moy-bank/support-gateway/internal/model"
)

// Sign issues an HS256 token for the identity. Production tokens come from the
// login service; this exists for local tooling and tests.
func Sign(secret, kid, issuer string, id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.SubjectID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(id.Role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	return token.SignedString([]byte(secret))
}
