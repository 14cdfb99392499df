package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, subject, role string, expires time.Duration) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expires)),
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := FromContext(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Principal", p.ID+"/"+string(p.Role))
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	h := Middleware(NewValidator(testSecret))(echoPrincipal())

	req := httptest.NewRequest(http.MethodGet, "/plans/p1/versions", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "ops-1", "OPS", time.Hour))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops-1/OPS", rec.Header().Get("X-Principal"))
}

func TestMiddlewareRejects(t *testing.T) {
	h := Middleware(NewValidator(testSecret))(echoPrincipal())

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired", "Bearer " + signToken(t, "ops-1", "OPS", -time.Hour)},
		{"unknown role", "Bearer " + signToken(t, "ops-1", "SUPERUSER", time.Hour)},
		{"no subject", "Bearer " + signToken(t, "", "OPS", time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/plans/p1/versions", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddlewareFailsClosedWithoutValidator(t *testing.T) {
	h := Middleware(nil)(echoPrincipal())
	req := httptest.NewRequest(http.MethodGet, "/plans/p1/versions", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "ops-1", "OPS", time.Hour))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewarePublicPaths(t *testing.T) {
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoleChecks(t *testing.T) {
	assert.True(t, RoleOps.CanGovern())
	assert.True(t, RoleAdmin.CanGovern())
	assert.False(t, RoleCustomer.CanGovern())
	assert.False(t, RoleQA.CanGovern())
	assert.False(t, Role("SUPERUSER").Valid())
}
