package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/vitalog/internal/auth"
	"github.com/dukerupert/vitalog/internal/metrics"
	"github.com/dukerupert/vitalog/internal/model"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

// BearerToken extracts the token from "Authorization: Bearer <token>". For
// websocket upgrades, which browsers cannot send headers with, the
// access_token query parameter is accepted instead.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// RequireAuth authenticates the bearer token and populates AuthContext.
// Expired and forged tokens get the same response; the precise kind is
// logged and counted.
func RequireAuth(authn Authenticator, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			user, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				kind := auth.FailureKind(err)
				m.AuthFailure(kind)
				logger := Logger(r.Context())

				switch {
				case errors.Is(err, auth.ErrStorageUnavailable):
					logger.Error("authenticate", "kind", kind, "error", err)
					writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
				case errors.Is(err, auth.ErrMissingToken):
					logger.Debug("authentication rejected", "kind", kind)
					w.Header().Set("WWW-Authenticate", `Bearer realm="vitalog"`)
					writeError(w, http.StatusUnauthorized, "authentication required")
				default:
					logger.Info("authentication rejected", "kind", kind, "remote", RemoteIP(r))
					w.Header().Set("WWW-Authenticate", `Bearer realm="vitalog", error="invalid_token"`)
					writeError(w, http.StatusUnauthorized, "invalid or expired token")
				}
				return
			}

			ac := auth.AuthContext{
				UserID:  user.ID,
				Email:   user.Email,
				IsAdmin: user.IsAdmin,
				Token:   token,
			}
			ctx := auth.WithAuth(r.Context(), ac)
			ctx = WithLogger(ctx, Logger(ctx).With(slog.Int64("user_id", user.ID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin checks that the authenticated user has the admin flag.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
