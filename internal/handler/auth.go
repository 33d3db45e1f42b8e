package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/dukerupert/vitalog/internal/auth"
	"github.com/dukerupert/vitalog/internal/metrics"
	"github.com/dukerupert/vitalog/internal/middleware"
	"github.com/dukerupert/vitalog/internal/model"
)

// Gateway is the subset of auth.Gateway the auth endpoints use.
type Gateway interface {
	Register(ctx context.Context, email, password, name string) (*model.User, error)
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	Logout(ctx context.Context, token string) error
}

type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

type AuthHandler struct {
	gateway Gateway
	users   UserLookup
	metrics *metrics.Metrics
}

func NewAuthHandler(g Gateway, users UserLookup, m *metrics.Metrics) *AuthHandler {
	return &AuthHandler{gateway: g, users: users, metrics: m}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
	Name     string `json:"name" validate:"required,max=100"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	user, err := h.gateway.Register(r.Context(), req.Email, req.Password, req.Name)
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already registered")
		return
	case errors.Is(err, auth.ErrPasswordTooLong):
		writeError(w, http.StatusBadRequest, "password must be at most 72 bytes")
		return
	case errors.Is(err, auth.ErrStorageUnavailable):
		middleware.Logger(r.Context()).Error("register", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	case err != nil:
		middleware.Logger(r.Context()).Error("register", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User registered successfully",
		"user":    user.Summary(),
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	result, err := h.gateway.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		kind := auth.FailureKind(err)
		h.metrics.AuthFailure(kind)
		logger := middleware.Logger(r.Context())

		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			logger.Info("login rejected", "kind", kind, "remote", middleware.RemoteIP(r))
			writeError(w, http.StatusUnauthorized, "invalid email or password")
		case errors.Is(err, auth.ErrAccountDeactivated):
			logger.Info("login rejected", "kind", kind, "remote", middleware.RemoteIP(r))
			writeError(w, http.StatusForbidden, "account is deactivated")
		case errors.Is(err, auth.ErrStorageUnavailable):
			logger.Error("login", "error", err)
			writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		default:
			logger.Error("login", "error", err)
			writeError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Logout(r.Context(), auth.Token(r.Context())); err != nil {
		middleware.Logger(r.Context()).Error("logout", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetByID(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		middleware.Logger(r.Context()).Error("get current user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
