// Package auth issues and validates the HS256 tokens that identify forum
// users to the HTTP and websocket servers. Accounts live with an external
// provider; a token only carries the user id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of issued tokens
const DefaultTTL = 24 * time.Hour

var (
	ErrNoSecret     = errors.New("jwt secret not configured")
	ErrMissingUser  = errors.New("invalid user_id in token")
	ErrInvalidToken = errors.New("invalid token claims")
)

// Claims identifies the caller
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// TokenValidator is the read side used by servers
type TokenValidator interface {
	Validate(tokenString string) (*Claims, error)
}

// Tokens signs and validates tokens with one shared secret
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ TokenValidator = (*Tokens)(nil)

// NewTokens creates a token service. A zero ttl uses DefaultTTL.
func NewTokens(secret []byte, ttl time.Duration) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for userID
func (t *Tokens) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrMissingUser
	}
	now := t.now()
	expiresAt := now.Add(t.ttl)

	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     expiresAt.Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate checks the signature and expiry of tokenString
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return nil, ErrMissingUser
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}
	return &Claims{UserID: userID, ExpiresAt: exp.Time}, nil
}
