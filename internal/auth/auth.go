// Package auth turns bearer credentials into caller identities.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for missing or invalid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier checks a credential and returns the stable identity behind it.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// StaticTokens maps pre-shared tokens to identities.
type StaticTokens map[string]string

func (s StaticTokens) Verify(ctx context.Context, token string) (string, error) {
	for t, identity := range s {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return identity, nil
		}
	}
	return "", ErrUnauthenticated
}

// JWT verifies HMAC-signed tokens and uses the subject claim as identity.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWT returns a verifier for tokens signed with secret using alg
// (HS256, HS384 or HS512).
func NewJWT(secret, alg string) (*JWT, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	switch alg {
	case "":
		alg = jwt.SigningMethodHS256.Alg()
	case jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg():
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", alg)
	}
	return &JWT{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{alg}), jwt.WithExpirationRequired()),
	}, nil
}

func (j *JWT) Verify(ctx context.Context, token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := j.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Insecure trusts the token as the identity. Development only.
type Insecure struct{}

func (Insecure) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

type identityKey struct{}

// WithIdentity stores the caller identity in ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// Identity returns the caller identity stored in ctx.
func Identity(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}
