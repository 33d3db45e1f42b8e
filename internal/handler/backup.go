package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/dukerupert/vitalog/internal/backup"
	"github.com/dukerupert/vitalog/internal/middleware"
	"github.com/dukerupert/vitalog/internal/model"
)

type BackupManager interface {
	Create(ctx context.Context) (*model.Backup, error)
	List(ctx context.Context) ([]model.Backup, error)
	Restore(ctx context.Context, filename string) error
	Status() backup.Status
}

type BackupHandler struct {
	manager BackupManager
}

func NewBackupHandler(m BackupManager) *BackupHandler {
	return &BackupHandler{manager: m}
}

func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	b, err := h.manager.Create(r.Context())
	if errors.Is(err, backup.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		middleware.Logger(r.Context()).Error("create backup", "error", err)
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	middleware.Logger(r.Context()).Info("backup requested", "file", b.Filename)
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Backup created successfully",
		"backup":  b,
	})
}

func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	backups, err := h.manager.List(r.Context())
	if err != nil {
		middleware.Logger(r.Context()).Error("list backups", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status())
}

func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")
	err := h.manager.Restore(r.Context(), filename)
	switch {
	case err == nil:
		middleware.Logger(r.Context()).Warn("database restored from backup", "file", filename)
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Database restored successfully; the server is restarting",
		})
	case errors.Is(err, backup.ErrInvalidFilename):
		writeError(w, http.StatusBadRequest, "invalid backup filename")
	case errors.Is(err, backup.ErrBackupNotFound):
		writeError(w, http.StatusNotFound, "backup not found")
	case errors.Is(err, backup.ErrPassphraseRequired), errors.Is(err, backup.ErrWrongPassphrase):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backup.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		middleware.Logger(r.Context()).Error("restore backup", "file", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "restore failed")
	}
}
