package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestStaticTokens(t *testing.T) {
	v := StaticTokens{"tok-a": "alice", "tok-b": "bob"}

	id, err := v.Verify(context.Background(), "tok-b")
	require.NoError(t, err)
	assert.Equal(t, "bob", id)

	_, err = v.Verify(context.Background(), "tok-c")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestJWT_ValidToken(t *testing.T) {
	v, err := NewJWT("s3cret", "HS256")
	require.NoError(t, err)

	tok := sign(t, jwt.SigningMethodHS256, "s3cret", jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	id, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
}

func TestJWT_Rejects(t *testing.T) {
	v, err := NewJWT("s3cret", "")
	require.NoError(t, err)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := map[string]string{
		"wrong secret": sign(t, jwt.SigningMethodHS256, "other", jwt.RegisteredClaims{Subject: "alice", ExpiresAt: future}),
		"wrong alg":    sign(t, jwt.SigningMethodHS512, "s3cret", jwt.RegisteredClaims{Subject: "alice", ExpiresAt: future}),
		"expired": sign(t, jwt.SigningMethodHS256, "s3cret", jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}),
		"no expiry":  sign(t, jwt.SigningMethodHS256, "s3cret", jwt.RegisteredClaims{Subject: "alice"}),
		"no subject": sign(t, jwt.SigningMethodHS256, "s3cret", jwt.RegisteredClaims{ExpiresAt: future}),
		"garbage":    "not.a.token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tok)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestNewJWT_Validation(t *testing.T) {
	_, err := NewJWT("", "HS256")
	assert.Error(t, err)
	_, err = NewJWT("s", "RS256")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = BearerToken("bearer  xyz ")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}

func TestIdentityContext(t *testing.T) {
	_, ok := Identity(context.Background())
	assert.False(t, ok)

	id, ok := Identity(WithIdentity(context.Background(), "alice"))
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
}

func TestInsecure(t *testing.T) {
	id, err := Insecure{}.Verify(context.Background(), "dev-client")
	require.NoError(t, err)
	assert.Equal(t, "dev-client", id)
	_, err = Insecure{}.Verify(context.Background(), "")
	assert.Error(t, err)
}
