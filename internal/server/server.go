package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/dukerupert/vitalog/internal/auth"
	"github.com/dukerupert/vitalog/internal/handler"
	"github.com/dukerupert/vitalog/internal/metrics"
	"github.com/dukerupert/vitalog/internal/middleware"
	"github.com/dukerupert/vitalog/internal/store"
	ws "github.com/dukerupert/vitalog/internal/websocket"
)

const (
	authRateInterval = 6 * time.Second
	authRateBurst    = 10
)

// Deps are the collaborators the HTTP layer is built from.
type Deps struct {
	DB             *sql.DB
	Gateway        *auth.Gateway
	Users          *store.UserStore
	Metrics        *store.MetricStore
	Cipher         handler.FieldCipher
	Assistant      handler.Assistant
	Backups        handler.BackupManager
	Telemetry      *metrics.Metrics
	CORSOrigins    []string
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	gateway     *auth.Gateway
	authH       *handler.AuthHandler
	metricH     *handler.MetricHandler
	backupH     *handler.BackupHandler
	chatH       *handler.ChatHandler
	rateLimiter *middleware.RateLimiter
	clientIP    func(*http.Request) string
	telemetry   *metrics.Metrics
	corsOrigins []string
	logger      *slog.Logger
}

func New(d Deps) *Server {
	hub := ws.NewHub(d.Logger.With("component", "websocket"))

	return &Server{
		db:          d.DB,
		hub:         hub,
		gateway:     d.Gateway,
		authH:       handler.NewAuthHandler(d.Gateway, d.Users, d.Telemetry),
		metricH:     handler.NewMetricHandler(d.Metrics, d.Cipher, hub, d.Telemetry),
		backupH:     handler.NewBackupHandler(d.Backups),
		chatH:       handler.NewChatHandler(d.Assistant, d.Metrics, d.Cipher, d.Telemetry),
		rateLimiter: middleware.NewRateLimiter(authRateInterval, authRateBurst),
		clientIP:    middleware.ClientIP(d.TrustedProxies),
		telemetry:   d.Telemetry,
		corsOrigins: d.CORSOrigins,
		logger:      d.Logger,
	}
}

// Hub returns the live update hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", handler.Health(s.db))
	outerMux.Handle("GET /metrics", s.telemetry.Handler())
	outerMux.Handle("POST /api/auth/register", s.rateLimited(s.authH.Register))
	outerMux.Handle("POST /api/auth/login", s.rateLimited(s.authH.Login))

	// Protected routes, wrapped with RequireAuth
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.gateway, s.telemetry)
	outerMux.Handle("/api/", authMiddleware(protectedMux))

	var h http.Handler = outerMux
	h = middleware.CORS(s.corsOrigins)(h)
	h = s.telemetry.InstrumentHandler(h)
	h = middleware.RequestLogger(s.logger.With("component", "http"))(h)
	h = middleware.RequestID(s.logger)(h)
	return h
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, s.clientIP)(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/logout", s.authH.Logout)
	mux.HandleFunc("GET /api/auth/me", s.authH.Me)

	mux.HandleFunc("POST /api/metrics", s.metricH.Create)
	mux.HandleFunc("GET /api/metrics", s.metricH.List)
	mux.HandleFunc("GET /api/metrics/{user_id}", s.metricH.ListForUser)
	mux.HandleFunc("DELETE /api/metrics/{id}", s.metricH.Delete)

	mux.HandleFunc("POST /api/chat", s.chatH.Chat)

	admin := func(h http.HandlerFunc) http.Handler { return middleware.RequireAdmin(h) }
	mux.Handle("POST /api/backup", admin(s.backupH.Create))
	mux.Handle("POST /api/backup/restore/{filename}", admin(s.backupH.Restore))
	mux.Handle("GET /api/backup/list", admin(s.backupH.List))
	mux.Handle("GET /api/backup/status", admin(s.backupH.Status))

	mux.HandleFunc("GET /api/ws", ws.HandleWebSocket(s.hub, originHosts(s.corsOrigins), s.logger.With("component", "websocket")))
}

// originHosts turns configured CORS origins into the host patterns the
// websocket handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
