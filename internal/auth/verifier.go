// Package auth verifies the signed identity tokens issued by the banking login service.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/moy-bank/support-gateway/internal/model"
)

// Claims are the JWT claims understood by the gateway. The login service
// historically put the subject in userId, newer tokens use sub.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role"`
}

var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Verifier validates identity tokens against a set of trusted HMAC keys.
type Verifier struct {
	defaultKey []byte
	keys       map[string][]byte
	issuer     string
	leeway     time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithKey trusts an additional key addressed by the token's kid header.
func WithKey(kid, secret string) Option {
	return func(v *Verifier) {
		v.keys[kid] = []byte(secret)
	}
}

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = issuer
	}
}

// WithLeeway tolerates clock skew on time based claims.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// NewVerifier creates a verifier trusting secret for tokens without a kid.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("verification secret is required")
	}
	v := &Verifier{
		defaultKey: []byte(secret),
		keys:       make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks the token and returns the identity it carries.
// Every failure wraps model.ErrUnauthenticated.
func (v *Verifier) Verify(tokenString string) (model.Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return model.Identity{}, fmt.Errorf("%w: missing token", model.ErrUnauthenticated)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(hmacMethods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, parserOpts...)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %s", model.ErrUnauthenticated, reason(err))
	}
	if !token.Valid {
		return model.Identity{}, fmt.Errorf("%w: invalid token", model.ErrUnauthenticated)
	}

	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	if subject == "" {
		return model.Identity{}, fmt.Errorf("%w: token has no subject", model.ErrUnauthenticated)
	}
	// The subject doubles as the customer's conversation id.
	if !model.ValidID(subject) {
		return model.Identity{}, fmt.Errorf("%w: invalid subject", model.ErrUnauthenticated)
	}

	role, ok := ParseRole(claims.Role)
	if !ok {
		return model.Identity{}, fmt.Errorf("%w: unknown role %q", model.ErrUnauthenticated, claims.Role)
	}

	return model.Identity{SubjectID: subject, Role: role}, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrSignatureInvalid
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return v.defaultKey, nil
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unrecognized key id %q", kid)
	}
	return key, nil
}

// ParseRole maps the login service's role names onto gateway roles.
func ParseRole(role string) (model.Role, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "customer", "user":
		return model.RoleCustomer, true
	case "agent", "admin", "support":
		return model.RoleAgent, true
	default:
		return "", false
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "required claim missing"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unrecognized signing key"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid issuer"
	default:
		return "invalid token"
	}
}
