// Package auth validates the bearer credentials required by the mutation
// API. The rest of the server treats it as an opaque collaborator: a
// token goes in, an identity (or a failure) comes out.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken means the request carried no bearer credential at all.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken means a credential was presented but did not verify.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the payload carried by accepted tokens.
type Claims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Validator checks a bearer token and returns the claims it carries.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// HMACValidator validates HMAC-SHA256 signed JWTs against a shared secret.
type HMACValidator struct {
	secret []byte
}

func NewHMAC(secret []byte) *HMACValidator {
	return &HMACValidator{secret: secret}
}

func (v *HMACValidator) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the bearer credential from a request's
// Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
