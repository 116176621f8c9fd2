package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/MindfulCoach/internal/models"
	"github.com/BTreeMap/MindfulCoach/internal/notify"
)

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type notificationsResponse struct {
	Permission models.PermissionState `json:"permission"`
	Tasks      []notify.TaskSetting   `json:"tasks"`
}

type toggleResponse struct {
	TaskID     string                 `json:"task_id"`
	Enabled    bool                   `json:"enabled"`
	Permission models.PermissionState `json:"permission"`
}

func (s *Server) remindersUnavailable(w http.ResponseWriter) bool {
	if s.reminders != nil {
		return false
	}
	writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Notifications are not configured"))
	return true
}

// notificationsHandler handles GET /notifications
func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if s.remindersUnavailable(w) {
		return
	}
	list, err := s.reminders.Settings()
	if err != nil {
		slog.Error("Server.notificationsHandler: failed to load settings", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load notification settings"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(notificationsResponse{
		Permission: s.reminders.Permission(),
		Tasks:      list,
	}))
}

// toggleNotificationHandler handles PUT /notifications/{id}. The stored
// value may differ from the requested one when permission is refused.
func (s *Server) toggleNotificationHandler(w http.ResponseWriter, r *http.Request) {
	if s.remindersUnavailable(w) {
		return
	}
	var req toggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: enabled"))
		return
	}
	id := r.PathValue("id")
	stored, err := s.reminders.ToggleTask(actionContext(r), id, *req.Enabled)
	if errors.Is(err, notify.ErrUnknownTask) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Task not found"))
		return
	}
	if err != nil {
		slog.Error("Server.toggleNotificationHandler: toggle failed", "task_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update notification setting"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(toggleResponse{
		TaskID:     id,
		Enabled:    stored,
		Permission: s.reminders.Permission(),
	}))
}

// permissionHandler handles POST /notifications/permission
func (s *Server) permissionHandler(w http.ResponseWriter, r *http.Request) {
	if s.remindersUnavailable(w) {
		return
	}
	state := s.reminders.RequestPermission(actionContext(r))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]models.PermissionState{"permission": state}))
}
