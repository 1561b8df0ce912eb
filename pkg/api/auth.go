package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims are the bearer-token claims accepted on mutating rule
// endpoints.
type AdminClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// TokenManager signs and validates admin bearer tokens (HS256).
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a manager over a shared secret.
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// IssueToken mints a token for subject with the given roles.
func (tm *TokenManager) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "castellan",
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// ValidateToken parses and validates a bearer token.
func (tm *TokenManager) ValidateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*AdminClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}

// hasRole reports whether the claims carry the role.
func (c *AdminClaims) hasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireAdmin guards mutating endpoints with a bearer token carrying
// the rule_admin role.
func (tm *TokenManager) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			WriteUnauthorized(w, "")
			return
		}
		claims, err := tm.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if !claims.hasRole("rule_admin") {
			WriteError(w, http.StatusForbidden, "Forbidden", "rule_admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
