// Package api exposes the MindfulCoach session over HTTP.
//
// Every endpoint answers with the models.APIResponse envelope. Session
// changes are also streamed as events over a websocket at /ws, so a client
// can render the conversation, the audio state of each message and the
// reminder settings without polling.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/MindfulCoach/internal/coach"
	"github.com/BTreeMap/MindfulCoach/internal/events"
	"github.com/BTreeMap/MindfulCoach/internal/models"
	"github.com/BTreeMap/MindfulCoach/internal/notify"
	"github.com/BTreeMap/MindfulCoach/internal/tasks"
	"github.com/BTreeMap/MindfulCoach/internal/timeline"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = "127.0.0.1:8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds slow request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Coach is the conversation surface the server drives.
type Coach interface {
	Snapshot() coach.Snapshot
	Message(id string) (models.Message, bool)
	SendUserMessage(ctx context.Context, text string) bool
	SelectQuickReply(ctx context.Context, messageID string, index int) (bool, error)
	RecordMoodSelection(rating int, note string) error
	DismissMoodPicker()
	MoodHistory() ([]models.MoodEntry, error)
	SaveJournalEntry(text string) bool
	GenerateWeeklyReport(ctx context.Context) bool
	RequestAffirmation(ctx context.Context) bool
	RequestExercise(ctx context.Context, kind coach.ExerciseKind) (bool, error)
	StartTask(ctx context.Context, task models.DailyTask) bool
}

// Audio plays message speech.
type Audio interface {
	RequestPlayback(ctx context.Context, msg models.Message) error
	StopAll()
	Playing() (string, bool)
}

// Reminders manages task notifications.
type Reminders interface {
	Settings() ([]notify.TaskSetting, error)
	ToggleTask(ctx context.Context, taskID string, enabled bool) (bool, error)
	RequestPermission(ctx context.Context) models.PermissionState
	Permission() models.PermissionState
}

var (
	_ Coach     = (*coach.Orchestrator)(nil)
	_ Reminders = (*notify.Scheduler)(nil)
)

// Opts holds server configuration.
type Opts struct {
	Addr   string
	Window timeline.Window
	Now    func() time.Time
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWindow sets the day window used for timeline positions.
func WithWindow(w timeline.Window) Option {
	return func(o *Opts) { o.Window = w }
}

// WithClock overrides the wall clock used for the timeline.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Server serves the session API.
type Server struct {
	coach     Coach
	audio     Audio
	reminders Reminders
	registry  *tasks.Registry
	bus       *events.Bus
	window    timeline.Window
	now       func() time.Time
	addr      string

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer wires the API to its collaborators. audio and reminders may be
// nil, in which case their endpoints answer 503.
func NewServer(c Coach, a Audio, r Reminders, registry *tasks.Registry, bus *events.Bus, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Window: timeline.DefaultWindow, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		coach:     c,
		audio:     a,
		reminders: r,
		registry:  registry,
		bus:       bus,
		window:    cfg.Window,
		now:       cfg.Now,
		addr:      cfg.Addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHostOrigin,
		},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("GET /session", s.sessionHandler)
	mux.HandleFunc("POST /messages", s.sendMessageHandler)
	mux.HandleFunc("POST /quick-replies", s.quickReplyHandler)
	mux.HandleFunc("GET /mood", s.moodHistoryHandler)
	mux.HandleFunc("POST /mood", s.recordMoodHandler)
	mux.HandleFunc("POST /mood/dismiss", s.dismissMoodHandler)
	mux.HandleFunc("POST /journal", s.journalHandler)
	mux.HandleFunc("POST /report", s.reportHandler)
	mux.HandleFunc("POST /affirmation", s.affirmationHandler)
	mux.HandleFunc("POST /exercise", s.exerciseHandler)

	mux.HandleFunc("POST /messages/{id}/audio", s.playbackHandler)
	mux.HandleFunc("POST /audio/stop", s.stopAudioHandler)

	mux.HandleFunc("GET /tasks", s.timelineHandler)
	mux.HandleFunc("POST /tasks/{id}/start", s.startTaskHandler)

	mux.HandleFunc("GET /notifications", s.notificationsHandler)
	mux.HandleFunc("PUT /notifications/{id}", s.toggleNotificationHandler)
	mux.HandleFunc("POST /notifications/permission", s.permissionHandler)

	mux.HandleFunc("GET /ws", s.websocketHandler)
	return mux
}

// Start listens on the configured address and serves in the background.
// It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	slog.Info("Server.Start: API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: serve failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for active ones to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown API server: %w", err)
	}
	slog.Info("Server.Shutdown: API stopped")
	return nil
}

// healthHandler reports liveness, the session's busy flag and live playback.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.coach.Snapshot()
	health := map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"messages":  len(snap.Messages),
		"busy":      snap.Busy,
	}
	if s.reminders != nil {
		health["permission"] = s.reminders.Permission()
	}
	health["observers"] = s.bus.SubscriberCount()
	if s.audio != nil {
		if id, ok := s.audio.Playing(); ok {
			health["playing"] = id
		}
	}
	writeJSONResponse(w, http.StatusOK, health)
}
