package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/vitalog/internal/auth"
)

func TestRegister(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/auth/register", map[string]string{
		"email": "Alice@Example.com", "password": "password123", "name": "Alice",
	}, 0)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "User registered successfully", body["message"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice@example.com")

	rec := f.do(t, "POST", "/api/auth/register", map[string]string{
		"email": "alice@example.com", "password": "password123", "name": "Again",
	}, 0)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "email already registered", decodeBody[map[string]string](t, rec)["error"])
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
		want string
	}{
		{"bad json", `{"email":`, "invalid JSON"},
		{"missing name", map[string]string{"email": "a@b.co", "password": "password123"}, "name is required"},
		{"short password", map[string]string{"email": "a@b.co", "password": "x", "name": "A"}, "password must be at least 8 characters"},
		{"multibyte password over 72 bytes", map[string]string{"email": "a@b.co", "password": strings.Repeat("é", 40), "name": "A"}, "password must be at most 72 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "POST", "/api/auth/register", tt.body, 0)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decodeBody[map[string]string](t, rec)["error"])
		})
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "alice@example.com")

	rec := f.do(t, "POST", "/api/auth/login", map[string]string{
		"email": "alice@example.com", "password": "password123",
	}, 0)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeBody[auth.LoginResult](t, rec)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, u.ID, result.User.ID)

	authed, err := f.gateway.Authenticate(context.Background(), result.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, authed.ID)
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice@example.com")

	wrong := f.do(t, "POST", "/api/auth/login", map[string]string{"email": "alice@example.com", "password": "wrong-password"}, 0)
	unknown := f.do(t, "POST", "/api/auth/login", map[string]string{"email": "nobody@example.com", "password": "password123"}, 0)

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())
}

func TestLoginDeactivated(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice@example.com")
	_, err := f.gateway.Deactivate(context.Background(), "alice@example.com")
	require.NoError(t, err)

	rec := f.do(t, "POST", "/api/auth/login", map[string]string{"email": "alice@example.com", "password": "password123"}, 0)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "alice@example.com")
	result, err := f.gateway.Login(context.Background(), "alice@example.com", "password123")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/auth/logout", nil)
	req = req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{UserID: u.ID, Token: result.Token}))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = f.gateway.Authenticate(context.Background(), result.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "alice@example.com")

	rec := f.do(t, "GET", "/api/auth/me", nil, u.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "alice@example.com", body["email"])
	assert.NotContains(t, body, "password_hash")
}
