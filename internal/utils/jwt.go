package utils

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingAuthHeader = errors.New("authorization header missing")
	ErrMalformedHeader   = errors.New("invalid authorization header format")
	ErrInvalidToken      = errors.New("invalid token")
	ErrMissingSubject    = errors.New("token carries no user id")
)

// AccessTokenClaims are the claims issued by the account service.
type AccessTokenClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Subject returns the user id, falling back to the registered "sub" claim.
func (c *AccessTokenClaims) Subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// ParseAccessToken validates signature, algorithm and expiry and returns the claims.
func ParseAccessToken(tokenString string, secret []byte) (*AccessTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*AccessTokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject() == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", ErrMalformedHeader
	}
	token := strings.TrimSpace(authHeader[7:])
	if token == "" {
		return "", ErrMalformedHeader
	}
	return token, nil
}

// CredentialFromRequest reads the bearer token from the Authorization header,
// or from the "token" query parameter for browser WebSocket clients.
func CredentialFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return ExtractTokenFromHeader(header)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingAuthHeader
}
