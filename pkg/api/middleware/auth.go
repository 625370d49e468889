// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyAuth validates API keys and JWTs on admin endpoints.
type APIKeyAuth struct {
	keys      map[string]struct{}
	jwtSecret []byte
}

// NewAPIKeyAuth creates a new auth middleware.
func NewAPIKeyAuth(keys []string, jwtSecret string) *APIKeyAuth {
	kMap := make(map[string]struct{})
	for _, k := range keys {
		kMap[k] = struct{}{}
	}
	var secret []byte
	if jwtSecret != "" {
		secret = []byte(jwtSecret)
	}
	return &APIKeyAuth{keys: kMap, jwtSecret: secret}
}

// openPaths are served without credentials: liveness probes and the
// Prometheus scrape endpoint. Everything else, reads included, needs a
// key once auth is enabled.
var openPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// Handler returns the middleware handler.
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := openPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		// Authorization: Bearer <JWT> or <APIKey>
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			if a.jwtSecret != nil {
				token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
					if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
					}
					return a.jwtSecret, nil
				})
				if err == nil && token.Valid {
					next.ServeHTTP(w, r)
					return
				}
			}

			if _, ok := a.keys[tokenString]; ok {
				next.ServeHTTP(w, r)
				return
			}
		}

		// X-API-Key header
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			if _, ok := a.keys[apiKey]; ok {
				next.ServeHTTP(w, r)
				return
			}
		}

		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
