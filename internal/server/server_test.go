package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/vitalog/internal/assistant"
	"github.com/dukerupert/vitalog/internal/auth"
	"github.com/dukerupert/vitalog/internal/backup"
	"github.com/dukerupert/vitalog/internal/database"
	"github.com/dukerupert/vitalog/internal/fieldcrypt"
	"github.com/dukerupert/vitalog/internal/metrics"
	"github.com/dukerupert/vitalog/internal/store"
)

type testServer struct {
	*httptest.Server
	gateway *auth.Gateway
	srv     *Server
	exec    func(query string, args ...any) error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := store.NewUserStore(db)
	gateway := auth.NewGateway(users, store.NewSessionStore(db), auth.NewTokenService("server-test-secret-0123456789"), auth.NewPasswordHasher(bcrypt.MinCost), logger)

	key, err := fieldcrypt.GenerateKey()
	require.NoError(t, err)
	raw, err := fieldcrypt.ParseKey(key)
	require.NoError(t, err)
	cipher, err := fieldcrypt.NewCipher(raw)
	require.NoError(t, err)

	srv := New(Deps{
		DB:        db,
		Gateway:   gateway,
		Users:     users,
		Metrics:   store.NewMetricStore(db),
		Cipher:    cipher,
		Assistant: assistant.NewClient(assistant.Config{}),
		Backups:   backup.NewManager(backup.Config{Dir: t.TempDir(), DBPath: ":memory:"}, db, nil, logger, nil),
		Telemetry: metrics.New(),
		Logger:    logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testServer{
		Server:  ts,
		gateway: gateway,
		srv:     srv,
		exec: func(query string, args ...any) error {
			_, err := db.Exec(query, args...)
			return err
		},
	}
}

func (s *testServer) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	json.Unmarshal(raw, &out)
	return resp, out
}

func (s *testServer) login(t *testing.T, email string) string {
	t.Helper()
	resp, _ := s.request(t, "POST", "/api/auth/register", "", map[string]string{
		"email": email, "password": "password123", "name": "Test",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := s.request(t, "POST", "/api/auth/login", "", map[string]string{
		"email": email, "password": "password123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body["token"].(string)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.request(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestMetricsFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice@example.com")

	resp, body := s.request(t, "POST", "/api/metrics", token, map[string]any{
		"metric_type": "blood_sugar", "value": 5.4, "unit": "mmol/L",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	req, _ := http.NewRequest("GET", s.URL+"/api/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, 5.4, list[0]["value"])
	assert.NotContains(t, list[0], "encrypted")

	resp, _ = s.request(t, "POST", "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.request(t, "GET", "/api/metrics", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthFailuresIndistinguishable(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice@example.com")

	require.NoError(t, s.exec(`UPDATE sessions SET expires_at = ?`, time.Now().Add(-time.Hour).UTC().Truncate(time.Second)))
	expiredResp, expiredBody := s.request(t, "GET", "/api/auth/me", token, nil)

	forged := token[:len(token)-4] + "AAAA"
	forgedResp, forgedBody := s.request(t, "GET", "/api/auth/me", forged, nil)

	assert.Equal(t, http.StatusUnauthorized, expiredResp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, forgedResp.StatusCode)
	assert.Equal(t, expiredBody, forgedBody)

	missingResp, missingBody := s.request(t, "GET", "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, missingResp.StatusCode)
	assert.Equal(t, "authentication required", missingBody["error"])

	metricsResp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	exposition, _ := io.ReadAll(metricsResp.Body)
	assert.Contains(t, string(exposition), `vitalog_auth_failures_total{kind="token_expired"} 1`)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice@example.com")

	resp, body := s.request(t, "GET", "/api/backup/status", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "admin access required", body["error"])

	_, err := s.gateway.Promote(context.Background(), "alice@example.com")
	require.NoError(t, err)

	resp, body = s.request(t, "GET", "/api/backup/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])

	resp, body = s.request(t, "POST", "/api/backup", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	resp, body = s.request(t, "GET", "/api/backup/list", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["backups"], 1)
}

func TestChatUnconfigured(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice@example.com")

	resp, _ := s.request(t, "POST", "/api/chat", token, map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLoginRateLimited(t *testing.T) {
	s := newTestServer(t)

	var last int
	for i := 0; i < authRateBurst+1; i++ {
		resp, _ := s.request(t, "POST", "/api/auth/login", "", map[string]string{
			"email": "nobody@example.com", "password": "password123",
		})
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"email":"nobody@example.com","password":"password123"}`)

	var last int
	for i := 0; i < authRateBurst+1; i++ {
		req, err := http.NewRequest("POST", s.URL+"/api/auth/login", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("CF-Connecting-IP", fmt.Sprintf("203.0.113.%d", i))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestWebSocketReceivesOwnEvents(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice@example.com")
	bob := s.login(t, "bob@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/ws?access_token=" + bob
	conn, _, err := ws.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	for s.srv.Hub().ClientCount() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("websocket client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	resp, _ := s.request(t, "POST", "/api/metrics", alice, map[string]any{"metric_type": "steps", "value": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := s.request(t, "POST", "/api/metrics", bob, map[string]any{"metric_type": "steps", "value": 2})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "metric_created", msg["type"])
	assert.Equal(t, body["metric_id"], msg["id"], fmt.Sprintf("bob must only see his own metric, got %v", msg))
}

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"https://app.example.com", "*", "not a url", "http://localhost:3000"})
	assert.Equal(t, []string{"app.example.com", "*", "localhost:3000"}, got)
}
