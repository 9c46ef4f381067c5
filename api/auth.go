/*
auth.go - Bearer token verification

PURPOSE:

	Users authenticate against the platform's identity service, which issues
	HS256 JWTs. This server only verifies them: it checks the signature and
	expiry, then exposes the user id and admin flag to handlers.

CLAIMS:

	{"user_id": "u-123", "is_admin": true, "exp": 1767225600}

MODES:
  - JWT_SECRET set:   every /api route except /api/health needs a valid token
  - JWT_SECRET empty: dev mode, every request acts as an admin

AUTHORIZATION:

	Admin-only routes are wrapped in RequireAdmin. A non-admin may read the
	margin breakdown of their own user id only.
*/
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

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims are the fields this server reads from a token.
type Claims struct {
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Issue signs a token. The identity service does this in production; the
// server uses it for dev tooling and tests.
func (v *JWTVerifier) Issue(userID string, admin bool, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:  userID,
		IsAdmin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates a token string.
func (v *JWTVerifier) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type claimsKey struct{}

var devClaims = &Claims{UserID: "dev", IsAdmin: true}

// ClaimsFrom returns the caller of the request, or nil outside Authenticate.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Authenticate puts the verified claims on the request context. A nil
// verifier admits every request as an admin.
func Authenticate(v *JWTVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, devClaims)))
				return
			}
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrMissingToken.Error(), Code: "unauthorized"})
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrInvalidToken.Error(), Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// RequireAdmin rejects callers without the admin flag.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := ClaimsFrom(r.Context()); c == nil || !c.IsAdmin {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "admin role required", Code: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
