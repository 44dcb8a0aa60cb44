package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix          = "Bearer "
	accessTokenQueryParam = "access_token"
)

var (
	ErrMissingTokenValidator = errors.New("session validator: token validator required")
	ErrMissingSessionToken   = errors.New("session validator: token required")
	ErrInvalidSessionToken   = errors.New("session validator: invalid token")
	ErrExpiredSessionToken   = errors.New("session validator: token expired")
)

// TokenValidator returns the subject of a valid token.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SessionValidatorConfig describes where requests carry their token.
type SessionValidatorConfig struct {
	Tokens     TokenValidator
	CookieName string
}

// SessionValidator resolves the calling user from a request. The token is
// read from the Authorization header, then the session cookie, then the
// access_token query parameter used by event streams.
type SessionValidator struct {
	tokens     TokenValidator
	cookieName string
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, ErrMissingTokenValidator
	}
	return &SessionValidator{
		tokens:     cfg.Tokens,
		cookieName: strings.TrimSpace(cfg.CookieName),
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateRequest extracts the token from r and returns the user id it names.
func (v *SessionValidator) ValidateRequest(r *http.Request) (string, error) {
	token := v.extractToken(r)
	if token == "" {
		return "", ErrMissingSessionToken
	}
	subject, err := v.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrExpiredSessionToken, err)
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidSessionToken, err)
	}
	return subject, nil
}

func (v *SessionValidator) extractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	if v.cookieName != "" {
		if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}
