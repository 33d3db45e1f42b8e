package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/vitalog/internal/auth"
	"github.com/dukerupert/vitalog/internal/metrics"
	"github.com/dukerupert/vitalog/internal/middleware"
	"github.com/dukerupert/vitalog/internal/model"
	"github.com/dukerupert/vitalog/internal/websocket"
)

const maxListLimit = 1000

type MetricRepository interface {
	Create(ctx context.Context, m *model.HealthMetric) (*model.HealthMetric, error)
	GetByID(ctx context.Context, id int64) (*model.HealthMetric, error)
	ListByUser(ctx context.Context, userID int64, f model.MetricFilter) ([]model.HealthMetric, error)
	Delete(ctx context.Context, id int64) error
}

type FieldCipher interface {
	EncryptMetric(m model.HealthMetric) (model.HealthMetric, error)
	DecryptMetric(m model.HealthMetric) (model.HealthMetric, error)
}

// Publisher delivers live events to one user's connections.
type Publisher interface {
	Publish(userID int64, msg websocket.Message)
}

type MetricHandler struct {
	store   MetricRepository
	cipher  FieldCipher
	events  Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewMetricHandler(s MetricRepository, c FieldCipher, events Publisher, m *metrics.Metrics) *MetricHandler {
	return &MetricHandler{store: s, cipher: c, events: events, metrics: m, now: time.Now}
}

type createMetricRequest struct {
	MetricType string     `json:"metric_type" validate:"required,max=50,metrictype"`
	Value      *float64   `json:"value" validate:"required"`
	Unit       string     `json:"unit" validate:"max=20"`
	Notes      string     `json:"notes" validate:"max=1000"`
	RecordedAt *time.Time `json:"recorded_at"`
}

func (h *MetricHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMetricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	userID := auth.UserID(r.Context())
	m := model.HealthMetric{
		UserID:     userID,
		MetricType: model.MetricType(req.MetricType),
		Value:      *req.Value,
		Unit:       req.Unit,
		Notes:      req.Notes,
		RecordedAt: h.now(),
	}
	if req.RecordedAt != nil {
		m.RecordedAt = *req.RecordedAt
	}

	sealed, err := h.cipher.EncryptMetric(m)
	if err != nil {
		middleware.Logger(r.Context()).Error("encrypt metric", "metric_type", m.MetricType, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store metric")
		return
	}

	created, err := h.store.Create(r.Context(), &sealed)
	if err != nil {
		middleware.Logger(r.Context()).Error("create metric", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store metric")
		return
	}
	h.metrics.MetricRecorded(string(created.MetricType), created.Encrypted)

	m.ID = created.ID
	m.RecordedAt = created.RecordedAt
	m.CreatedAt = created.CreatedAt
	h.events.Publish(userID, websocket.NewMessage("metric", "created", m.ID, m))

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   "Metric added successfully",
		"metric_id": created.ID,
	})
}

// List returns the caller's metrics, optionally filtered by ?type= and
// capped by ?limit=.
func (h *MetricHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, auth.UserID(r.Context()))
}

// ListForUser serves /api/metrics/{user_id}; only the owner may read.
func (h *MetricHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	userID, err := parseIDParam(r, "user_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if userID != auth.UserID(r.Context()) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	h.list(w, r, userID)
}

func (h *MetricHandler) list(w http.ResponseWriter, r *http.Request, userID int64) {
	filter, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	stored, err := h.store.ListByUser(r.Context(), userID, filter)
	if err != nil {
		middleware.Logger(r.Context()).Error("list metrics", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}

	out := make([]model.HealthMetric, 0, len(stored))
	for _, m := range stored {
		d, err := h.cipher.DecryptMetric(m)
		if err != nil {
			h.metrics.DecryptionFailure()
			middleware.Logger(r.Context()).Error("decrypt metric", "metric_id", m.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to decrypt metrics")
			return
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func parseFilter(r *http.Request) (model.MetricFilter, error) {
	q := r.URL.Query()
	f := model.MetricFilter{MetricType: model.MetricType(q.Get("type"))}
	if f.MetricType != "" && !metricTypeRegexp.MatchString(string(f.MetricType)) {
		return f, &requestError{msg: "invalid metric type"}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, &requestError{msg: "limit must be a positive integer"}
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, nil
}

func (h *MetricHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	userID := auth.UserID(r.Context())
	m, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		middleware.Logger(r.Context()).Error("get metric", "metric_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete metric")
		return
	}
	if m == nil || m.UserID != userID {
		writeError(w, http.StatusNotFound, "metric not found")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		middleware.Logger(r.Context()).Error("delete metric", "metric_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete metric")
		return
	}
	h.events.Publish(userID, websocket.NewMessage("metric", "deleted", id, nil))

	writeJSON(w, http.StatusOK, map[string]string{"message": "Metric deleted successfully"})
}
