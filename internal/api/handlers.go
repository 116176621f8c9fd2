package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/MindfulCoach/internal/audio"
	"github.com/BTreeMap/MindfulCoach/internal/coach"
	"github.com/BTreeMap/MindfulCoach/internal/models"
	"github.com/BTreeMap/MindfulCoach/internal/timeline"
)

// Messages for dropped requests.
const (
	msgBusy     = "Session is busy; request dropped"
	msgTaskPast = "Task time has already passed today"
)

type textRequest struct {
	Text string `json:"text"`
}

type quickReplyRequest struct {
	MessageID string `json:"message_id"`
	Index     int    `json:"index"`
}

type moodRequest struct {
	Rating int    `json:"rating"`
	Note   string `json:"note"`
}

type exerciseRequest struct {
	Kind coach.ExerciseKind `json:"kind"`
}

type timelineResponse struct {
	Window      timeline.Window `json:"window"`
	NowPosition float64         `json:"now_position"`
	Marks       []timeline.Mark `json:"marks"`
}

// actionContext detaches session work from the request so a client that
// hangs up does not turn an in-flight reply into a connection failure.
func actionContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// writeOutcome answers an accepted-or-dropped session action.
func (s *Server) writeOutcome(w http.ResponseWriter, accepted bool) {
	if !accepted {
		writeJSONResponse(w, http.StatusConflict, models.Ignored(msgBusy))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.coach.Snapshot()))
}

// sessionHandler handles GET /session
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.coach.Snapshot()))
}

// sendMessageHandler handles POST /messages
func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: text"))
		return
	}
	slog.Debug("Server.sendMessageHandler: sending", "text_length", len(req.Text))
	s.writeOutcome(w, s.coach.SendUserMessage(actionContext(r), req.Text))
}

// quickReplyHandler handles POST /quick-replies
func (s *Server) quickReplyHandler(w http.ResponseWriter, r *http.Request) {
	var req quickReplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	accepted, err := s.coach.SelectQuickReply(actionContext(r), req.MessageID, req.Index)
	if errors.Is(err, coach.ErrQuickReplyNotLive) {
		writeJSONResponse(w, http.StatusConflict, models.Error("Quick reply is no longer available"))
		return
	}
	if err != nil {
		slog.Error("Server.quickReplyHandler: select failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send quick reply"))
		return
	}
	s.writeOutcome(w, accepted)
}

// moodHistoryHandler handles GET /mood
func (s *Server) moodHistoryHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.coach.MoodHistory()
	if err != nil {
		slog.Error("Server.moodHistoryHandler: failed to load history", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load mood history"))
		return
	}
	if entries == nil {
		entries = []models.MoodEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// recordMoodHandler handles POST /mood
func (s *Server) recordMoodHandler(w http.ResponseWriter, r *http.Request) {
	var req moodRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.coach.RecordMoodSelection(req.Rating, req.Note); err != nil {
		if errors.Is(err, models.ErrInvalidMoodRating) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.recordMoodHandler: record failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record mood"))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Recorded(map[string]int{"rating": req.Rating}))
}

// dismissMoodHandler handles POST /mood/dismiss
func (s *Server) dismissMoodHandler(w http.ResponseWriter, r *http.Request) {
	s.coach.DismissMoodPicker()
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// journalHandler handles POST /journal
func (s *Server) journalHandler(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.coach.SaveJournalEntry(req.Text) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: text"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Recorded(s.coach.Snapshot()))
}

// reportHandler handles POST /report
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	s.writeOutcome(w, s.coach.GenerateWeeklyReport(actionContext(r)))
}

// affirmationHandler handles POST /affirmation
func (s *Server) affirmationHandler(w http.ResponseWriter, r *http.Request) {
	s.writeOutcome(w, s.coach.RequestAffirmation(actionContext(r)))
}

// exerciseHandler handles POST /exercise
func (s *Server) exerciseHandler(w http.ResponseWriter, r *http.Request) {
	var req exerciseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	accepted, err := s.coach.RequestExercise(actionContext(r), req.Kind)
	if errors.Is(err, coach.ErrUnknownExercise) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err != nil {
		slog.Error("Server.exerciseHandler: request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to request exercise"))
		return
	}
	s.writeOutcome(w, accepted)
}

// playbackHandler handles POST /messages/{id}/audio. A playing message is
// stopped, anything else starts playing.
func (s *Server) playbackHandler(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Audio playback is not configured"))
		return
	}
	id := r.PathValue("id")
	msg, ok := s.coach.Message(id)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	}
	err := s.audio.RequestPlayback(actionContext(r), msg)
	switch {
	case errors.Is(err, audio.ErrNotPlayable):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case errors.Is(err, models.ErrUnknownMessage):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	case err != nil:
		slog.Error("Server.playbackHandler: playback failed", "message_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to play message"))
		return
	}
	current, _ := s.coach.Message(id)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"message_id":  id,
		"audio_state": current.AudioState,
	}))
}

// stopAudioHandler handles POST /audio/stop
func (s *Server) stopAudioHandler(w http.ResponseWriter, r *http.Request) {
	if s.audio != nil {
		s.audio.StopAll()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// timelineHandler handles GET /tasks
func (s *Server) timelineHandler(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	writeJSONResponse(w, http.StatusOK, models.Success(timelineResponse{
		Window:      s.window,
		NowPosition: s.window.NowPosition(now),
		Marks:       s.window.Marks(s.registry.Tasks(), now),
	}))
}

// startTaskHandler handles POST /tasks/{id}/start
func (s *Server) startTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Task not found"))
		return
	}
	if timeline.IsPast(task.Time, s.now()) {
		writeJSONResponse(w, http.StatusConflict, models.Ignored(msgTaskPast))
		return
	}
	s.writeOutcome(w, s.coach.StartTask(actionContext(r), task))
}
