package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the datum API expects.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Validator parses and validates bearer tokens against a shared secret.
type Validator struct {
	secret []byte
}

func NewValidator(secret []byte) *Validator {
	if len(secret) == 0 {
		return nil
	}
	return &Validator{secret: secret}
}

// Validate parses the token and returns the principal it asserts.
func (v *Validator) Validate(tokenStr string) (Principal, error) {
	if v == nil {
		return Principal{}, fmt.Errorf("validator uninitialized")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("token subject is required")
	}
	role := Role(claims.Role)
	if !role.Valid() {
		return Principal{}, fmt.Errorf("token role %q is not recognized", claims.Role)
	}
	return Principal{ID: claims.Subject, Role: role}, nil
}

// publicPaths are reachable without a token.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware authenticates every non-public request. A nil validator
// rejects everything: fail closed, never open.
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				unauthorized(w, "authentication not configured")
				return
			}

			principal, err := validator.Validate(parts[1])
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"code":"UNAUTHORIZED","message":%q}`+"\n", detail)
}
