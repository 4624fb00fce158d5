package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	tokens, err := NewTokens([]byte("secret"), time.Hour)
	require.NoError(t, err)

	signed, expiresAt, err := tokens.Issue("u1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := tokens.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, expiresAt.Unix(), claims.ExpiresAt.Unix())
}

func TestValidateRejectsExpired(t *testing.T) {
	tokens, err := NewTokens([]byte("secret"), time.Minute)
	require.NoError(t, err)
	tokens.now = func() time.Time { return time.Now().Add(-time.Hour) }

	signed, _, err := tokens.Issue("u1")
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Validate(signed)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateRejectsOtherSecret(t *testing.T) {
	a, err := NewTokens([]byte("a"), 0)
	require.NoError(t, err)
	b, err := NewTokens([]byte("b"), 0)
	require.NoError(t, err)

	signed, _, err := a.Issue("u1")
	require.NoError(t, err)
	_, err = b.Validate(signed)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestValidateRequiresUserAndExpiry(t *testing.T) {
	tokens, err := NewTokens([]byte("secret"), 0)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.Validate(noUser)
	assert.ErrorIs(t, err, ErrMissingUser)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.Validate(noExp)
	assert.Error(t, err)
}

func TestNewTokensRequiresSecret(t *testing.T) {
	_, err := NewTokens(nil, 0)
	assert.ErrorIs(t, err, ErrNoSecret)

	tokens, err := NewTokens([]byte("s"), 0)
	require.NoError(t, err)
	_, _, err = tokens.Issue("")
	assert.ErrorIs(t, err, ErrMissingUser)
}
