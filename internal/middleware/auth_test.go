package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, claims jwt.RegisteredClaims, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func protected() (http.Handler, *string) {
	var seen string
	h := AuthMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Operator(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &seen
}

func call(h http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/batches", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	h, seen := protected()
	token := sign(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "treasurer",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, []byte(secret))

	rec := call(h, "Bearer "+token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "treasurer", *seen)
}

func TestAuthMiddlewareRejects(t *testing.T) {
	hour := jwt.NewNumericDate(time.Now().Add(time.Hour))
	tests := []struct {
		name string
		auth string
	}{
		{"no header", ""},
		{"not bearer", "Basic dHJlYXN1cmVyOnB3"},
		{"garbage", "Bearer abc.def.ghi"},
		{"wrong key", "Bearer " + sign(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "treasurer", ExpiresAt: hour}, []byte("other"))},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "treasurer", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}, []byte(secret))},
		{"no expiry", "Bearer " + sign(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "treasurer"}, []byte(secret))},
		{"no subject", "Bearer " + sign(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: hour}, []byte(secret))},
		{"other algorithm", "Bearer " + sign(t, jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "treasurer", ExpiresAt: hour}, []byte(secret))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, seen := protected()
			rec := call(h, tt.auth)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Empty(t, *seen)
		})
	}
}
