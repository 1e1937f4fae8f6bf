package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// BEARER TOKENS
// =============================================================================
//
// Tokens are issued by the external auth service and signed with a shared
// HS256 secret. "sub" is the user id; "role": "admin" unlocks /api/admin.

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("admin role required")
)

const RoleAdmin = "admin"

type Claims struct {
	UserID string
	Role   string
}

func (c Claims) IsAdmin() bool { return c.Role == RoleAdmin }

type contextKey string

const claimsContextKey contextKey = "claims"

// ClaimsFrom returns the verified claims of an authenticated request.
func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(Claims)
	return c, ok
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// ValidateToken verifies signature and expiry and extracts the claims.
func (a *Authenticator) ValidateToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" || strings.Contains(sub, "/") {
		return Claims{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	return Claims{UserID: sub, Role: role}, nil
}

// IssueToken signs a token. Used by tests and local tooling.
func (a *Authenticator) IssueToken(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// RequireUser rejects requests without a valid bearer token.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.fromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey, claims)))
	})
}

// RequireAdmin additionally requires the admin role.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return a.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFrom(r.Context())
		if !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "Forbidden", ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *Authenticator) fromRequest(r *http.Request) (Claims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Claims{}, ErrMissingToken
	}
	return a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
}
