// Package auth issues and verifies the control plane's bearer tokens.
// Tokens are HS256 JWTs carrying a role and, for client tokens, the
// slots the holder may see.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles.
const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

var (
	// ErrNoToken is returned when a request carries no credentials.
	ErrNoToken = errors.New("missing bearer token")

	// ErrInvalidToken covers expiry, bad signatures and malformed claims.
	ErrInvalidToken = errors.New("invalid token")

	// ErrForbidden is returned when a valid token lacks access.
	ErrForbidden = errors.New("forbidden")
)

// Claims is the token payload.
type Claims struct {
	Role  string   `json:"role"`
	Slots []string `json:"slots,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator mints and verifies tokens with a shared secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

// New builds an Authenticator. An empty secret disables auth entirely;
// Verify then returns admin claims for every request.
func New(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Mint issues a token for subject with the given role. slots is the
// client allow-list; ignored for admins.
func (a *Authenticator) Mint(subject, role string, slots []string) (string, error) {
	if !a.Enabled() {
		return "", errors.New("auth is disabled, no secret configured")
	}
	if role != RoleAdmin && role != RoleClient {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if role == RoleAdmin {
		slots = nil
	}
	now := time.Now()
	claims := Claims{
		Role:  role,
		Slots: slots,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses and validates a token string.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{Role: RoleAdmin}, nil
	}
	if tokenString == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin && claims.Role != RoleClient {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// FromRequest extracts claims from an Authorization header or, for
// browser streaming endpoints that cannot set headers, a token query
// parameter.
func (a *Authenticator) FromRequest(r *http.Request) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{Role: RoleAdmin}, nil
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return a.Verify(strings.TrimPrefix(header, "Bearer "))
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return a.Verify(tok)
	}
	return nil, ErrNoToken
}

// CanAccessSlot reports whether the claims allow operating on slotID.
func (c *Claims) CanAccessSlot(slotID string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	for _, s := range c.Slots {
		if s == slotID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}
