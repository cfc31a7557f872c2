// Package auth checks bearer tokens: either a configured static token or
// an HS256 JWT signed with the configured secret.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("no signing secret configured")
)

const issuer = "retriever"

type Config struct {
	Token  string `yaml:"token"`
	Secret string `yaml:"secret"`
}

type Claims struct {
	jwt.RegisteredClaims
}

type Authenticator struct {
	token  []byte
	secret []byte
}

func NewAuthenticator(cfg Config) *Authenticator {
	return &Authenticator{
		token:  []byte(cfg.Token),
		secret: []byte(cfg.Secret),
	}
}

// Enabled reports whether any credential is configured. A disabled
// authenticator accepts every request.
func (a *Authenticator) Enabled() bool {
	return len(a.token) > 0 || len(a.secret) > 0
}

// Mint signs a token for subject. A zero ttl yields a token without expiry.
func (a *Authenticator) Mint(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify returns the subject of a valid token. The static token has the
// subject "static".
func (a *Authenticator) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	if len(a.token) > 0 && subtle.ConstantTimeCompare(a.token, []byte(token)) == 1 {
		return "static", nil
	}

	if len(a.secret) == 0 {
		return "", ErrInvalidToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return claims.Subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "

	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}

	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}

	return token, nil
}
