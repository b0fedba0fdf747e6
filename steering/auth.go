// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type actorContextKey struct{}

// AdminAuth guards the mutating admin endpoints with HS256 JWTs carrying a
// role=admin claim. Without a configured secret every admin request is
// rejected: the admin API cannot be left open by a missing variable.
type AdminAuth struct {
	secret []byte
}

// NewAdminAuth creates the admin guard. An empty secret disables the admin
// API entirely.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (a *AdminAuth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware validates the bearer token and requires the admin role. The
// acting identity is placed on the request context for audit trails.
func (a *AdminAuth) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			http.Error(w, "admin API disabled: no JWT secret configured", http.StatusUnauthorized)
			return
		}

		tokenString := extractBearerToken(r)
		if tokenString == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}
		if getClaimString(claims, "role") != "admin" {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}

		actor := getClaimString(claims, "email")
		if actor == "" {
			actor = getClaimString(claims, "sub")
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// AdminActor returns the authenticated admin identity, or empty when the
// request did not pass the admin middleware.
func AdminActor(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[7:]
	}
	return auth
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}
