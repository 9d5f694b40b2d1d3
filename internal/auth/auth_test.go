package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestAuthenticator(t *testing.T) *Authenticator {
	return NewAuthenticator(testSecret, nil, "", zaptest.NewLogger(t))
}

func issue(t *testing.T, requester Requester) string {
	t.Helper()
	token, err := IssueToken(testSecret, uuid.NewString(), requester, time.Hour)
	require.NoError(t, err)
	return token
}

func TestAuthenticate_BearerAndCookie(t *testing.T) {
	a := newTestAuthenticator(t)
	token := issue(t, Requester{UserID: "u1", Role: "Admin"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	got, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, RoleAdmin, got.Role)
	assert.True(t, got.Admin())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: token})
	got, err = a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestAuthenticate_Rejects(t *testing.T) {
	a := newTestAuthenticator(t)

	expired, err := IssueToken(testSecret, "jti", Requester{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)

	foreign, err := IssueToken([]byte("another-secret-another-secret-xx"), "jti", Requester{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	noUser, err := IssueToken(testSecret, "jti", Requester{}, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "garbage", header: "Bearer not-a-token"},
		{name: "expired", header: "Bearer " + expired},
		{name: "foreign secret", header: "Bearer " + foreign},
		{name: "no user id", header: "Bearer " + noUser},
		{name: "alg none", header: "Bearer " + none},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			_, err := a.Authenticate(req)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestMiddlewareAndRequireAdmin(t *testing.T) {
	a := newTestAuthenticator(t)

	var seen Requester
	handler := a.Middleware(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "anonymous", token: "", status: http.StatusUnauthorized},
		{name: "employee", token: issue(t, Requester{UserID: "u2", Role: RoleEmployee}), status: http.StatusForbidden},
		{name: "admin flag", token: issue(t, Requester{UserID: "u3", IsAdmin: true}), status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, "/x", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				assert.Contains(t, rec.Body.String(), `"success":false`)
			}
		})
	}
	assert.Equal(t, "u3", seen.UserID)
}
