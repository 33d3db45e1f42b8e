package handler

import (
	"context"
	"net/http"

	"github.com/dukerupert/vitalog/internal/assistant"
	"github.com/dukerupert/vitalog/internal/auth"
	"github.com/dukerupert/vitalog/internal/metrics"
	"github.com/dukerupert/vitalog/internal/middleware"
	"github.com/dukerupert/vitalog/internal/model"
)

// chatContextLimit caps how many recent readings go into a prompt.
const chatContextLimit = 100

type Assistant interface {
	Configured() bool
	Generate(ctx context.Context, prompt string) (string, error)
}

type ChatHandler struct {
	assistant Assistant
	store     MetricRepository
	cipher    FieldCipher
	metrics   *metrics.Metrics
}

func NewChatHandler(a Assistant, s MetricRepository, c FieldCipher, m *metrics.Metrics) *ChatHandler {
	return &ChatHandler{assistant: a, store: s, cipher: c, metrics: m}
}

type chatRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	if !h.assistant.Configured() {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return
	}

	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	logger := middleware.Logger(r.Context())
	stored, err := h.store.ListByUser(r.Context(), auth.UserID(r.Context()), model.MetricFilter{Limit: chatContextLimit})
	if err != nil {
		logger.Error("list metrics for chat", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}

	readings := make([]model.HealthMetric, 0, len(stored))
	for _, m := range stored {
		d, err := h.cipher.DecryptMetric(m)
		if err != nil {
			h.metrics.DecryptionFailure()
			logger.Warn("skipping undecryptable metric in chat context", "metric_id", m.ID, "error", err)
			continue
		}
		readings = append(readings, d)
	}

	reply, err := h.assistant.Generate(r.Context(), assistant.BuildPrompt(readings, req.Message))
	if err != nil {
		logger.Error("assistant request", "error", err)
		writeError(w, http.StatusBadGateway, "failed to get response from assistant")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}
