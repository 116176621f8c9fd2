// Package notify fires at most one reminder per enabled task per local day.
//
// A Scheduler is polled once a minute. When the current minute matches a
// task's time, the task is enabled in the settings store and the host has
// granted permission, it shows one notification and records the task id in
// the per-day set. A self-rescheduling timer clears that set at every local
// midnight.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/events"
	"github.com/BTreeMap/MindfulCoach/internal/models"
	"github.com/BTreeMap/MindfulCoach/internal/scheduler"
	"github.com/BTreeMap/MindfulCoach/internal/store"
	"github.com/BTreeMap/MindfulCoach/internal/tasks"
	"github.com/BTreeMap/MindfulCoach/internal/timeline"
	"github.com/BTreeMap/MindfulCoach/internal/timer"
)

// Reminder texts.
const (
	TitlePrefix  = "Время для: "
	ReminderBody = "Нажмите, чтобы начать задание в AI-коуче."
)

// DefaultShowTimeout bounds one Notifier.Show call so a stalled backend
// cannot hold the minute poll.
const DefaultShowTimeout = 30 * time.Second

var (
	// ErrUnknownTask is returned when toggling a task that is not in the registry.
	ErrUnknownTask = errors.New("unknown task")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("notification scheduler already started")
)

// Notifier is the host notification facility.
type Notifier interface {
	// Permission reports the current state without prompting.
	Permission(ctx context.Context) (models.PermissionState, error)
	// RequestPermission prompts the user and returns the outcome.
	RequestPermission(ctx context.Context) (models.PermissionState, error)
	// Show displays one notification.
	Show(ctx context.Context, n models.Notification) error
}

// Ticker drives Poll. *scheduler.Scheduler satisfies it.
type Ticker interface {
	AddJob(expr string, fn func()) (int, error)
	RemoveJob(id int)
	NextRun(id int) (time.Time, bool)
}

var _ Ticker = (*scheduler.Scheduler)(nil)

// Settings is the subset of store.Store the scheduler needs.
type Settings interface {
	IsNotificationEnabled(taskID string) (bool, error)
	SetNotificationEnabled(taskID string, enabled bool) error
	NotificationSettings() (map[string]bool, error)
}

var _ Settings = (store.Store)(nil)

// TaskSetting pairs a task with its reminder setting.
type TaskSetting struct {
	Task    models.DailyTask `json:"task"`
	Enabled bool             `json:"enabled"`
}

// Opts holds optional collaborators.
type Opts struct {
	Bus         *events.Bus
	Timer       timer.Timer
	Ticker      Ticker
	Now         func() time.Time
	ShowTimeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithBus publishes scheduler events on bus.
func WithBus(bus *events.Bus) Option {
	return func(o *Opts) { o.Bus = bus }
}

// WithTimer sets the timer used for the midnight reset.
func WithTimer(t timer.Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithTicker registers Poll on t at Start. Without a ticker the caller
// drives Poll.
func WithTicker(t Ticker) Option {
	return func(o *Opts) { o.Ticker = t }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithShowTimeout overrides DefaultShowTimeout.
func WithShowTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShowTimeout = d }
}

// Scheduler owns the permission state and the per-day fired set.
type Scheduler struct {
	notifier Notifier
	settings Settings
	registry *tasks.Registry
	timer    timer.Timer
	ticker   Ticker
	now      func() time.Time
	bus      *events.Bus
	showWait time.Duration

	mu         sync.Mutex
	permission models.PermissionState
	firedToday map[string]bool
	firedDay   string // local date firedToday belongs to
	started    bool
	stopped    bool
	midnightID string
	jobID      int
	baseCtx    context.Context
}

// NewScheduler creates a Scheduler. notifier may be nil when the host has no
// notification support; every permission request then resolves to denied.
func NewScheduler(notifier Notifier, settings Settings, registry *tasks.Registry, opts ...Option) *Scheduler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timer == nil {
		cfg.Timer = timer.NewSimpleTimer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ShowTimeout <= 0 {
		cfg.ShowTimeout = DefaultShowTimeout
	}
	return &Scheduler{
		notifier:   notifier,
		settings:   settings,
		registry:   registry,
		timer:      cfg.Timer,
		ticker:     cfg.Ticker,
		now:        cfg.Now,
		bus:        cfg.Bus,
		showWait:   cfg.ShowTimeout,
		permission: models.PermissionDefault,
		firedToday: make(map[string]bool),
		firedDay:   dayKey(cfg.Now()),
		baseCtx:    context.Background(),
	}
}

// Start reads the current permission, arms the midnight reset and registers
// the minute poll.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	perm := models.PermissionDenied
	if s.notifier != nil {
		p, err := s.notifier.Permission(ctx)
		if err != nil {
			slog.Warn("Scheduler.Start: permission check failed", "error", err)
			p = models.PermissionDefault
		}
		perm = p
	}
	s.setPermission(perm)

	if err := s.armMidnight(); err != nil {
		return fmt.Errorf("arm midnight reset: %w", err)
	}

	if s.ticker != nil {
		id, err := s.ticker.AddJob(scheduler.EveryMinute, func() { s.Poll(s.baseCtx) })
		if err != nil {
			return fmt.Errorf("register poll: %w", err)
		}
		s.mu.Lock()
		s.jobID = id
		s.mu.Unlock()
		if next, ok := s.ticker.NextRun(id); ok {
			slog.Debug("Scheduler.Start: poll registered", "job_id", id, "next", next)
		} else {
			slog.Warn("Scheduler.Start: poll job has no next run", "job_id", id)
		}
	}
	slog.Info("Scheduler.Start: notification scheduler started", "permission", perm, "tasks", len(s.registry.Tasks()))
	return nil
}

// Stop cancels the midnight reset and the poll job. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	midnightID, jobID := s.midnightID, s.jobID
	s.mu.Unlock()

	if midnightID != "" {
		if err := s.timer.Cancel(midnightID); err != nil {
			slog.Warn("Scheduler.Stop: cancel midnight reset failed", "error", err)
		}
	}
	if s.ticker != nil && jobID != 0 {
		s.ticker.RemoveJob(jobID)
	}
	slog.Info("Scheduler.Stop: notification scheduler stopped")
}

// Poll fires every due reminder and returns how many were shown.
func (s *Scheduler) Poll(ctx context.Context) int {
	if s.Permission() != models.PermissionGranted {
		return 0
	}
	now := s.now()
	minute := timeline.MinuteOfDay(now)

	var candidates []models.DailyTask
	for _, t := range s.registry.Tasks() {
		m, err := timeline.ParseClock(t.Time)
		if err != nil || m != minute {
			continue
		}
		enabled, err := s.settings.IsNotificationEnabled(t.ID)
		if err != nil {
			slog.Error("Scheduler.Poll: read setting failed", "task_id", t.ID, "error", err)
			continue
		}
		if enabled {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	// The fired set is authoritative: claim ids under the lock before showing.
	s.mu.Lock()
	if s.permission != models.PermissionGranted {
		s.mu.Unlock()
		return 0
	}
	// The midnight timer runs on the monotonic clock and fires late after a
	// suspend; a date change seen here clears the set as well.
	rolled := s.rollDayLocked(now)
	var due []models.DailyTask
	for _, t := range candidates {
		if s.firedToday[t.ID] {
			continue
		}
		s.firedToday[t.ID] = true
		due = append(due, t)
	}
	s.mu.Unlock()

	if rolled >= 0 {
		s.publishReset(rolled)
	}

	for _, t := range due {
		n := models.Notification{
			TaskID: t.ID,
			Title:  TitlePrefix + t.Title,
			Body:   ReminderBody,
			FireAt: now,
		}
		showCtx, cancel := context.WithTimeout(ctx, s.showWait)
		err := s.notifier.Show(showCtx, n)
		cancel()
		if err != nil {
			slog.Error("Scheduler.Poll: show notification failed", "task_id", t.ID, "error", err)
			continue
		}
		slog.Info("Scheduler.Poll: notification sent", "task_id", t.ID, "time", t.Time)
		s.bus.Publish(events.Event{
			Source: events.SourceNotify,
			Kind:   events.KindNotificationSent,
			Data:   map[string]any{"task_id": t.ID, "title": n.Title},
		})
	}
	return len(due)
}

// RequestPermission asks the host and stores the outcome. A host without
// notification support, or a failed prompt, yields denied.
func (s *Scheduler) RequestPermission(ctx context.Context) models.PermissionState {
	state := models.PermissionDenied
	if s.notifier != nil {
		p, err := s.notifier.RequestPermission(ctx)
		if err != nil {
			slog.Warn("Scheduler.RequestPermission: prompt failed", "error", err)
		} else {
			state = p
		}
	}
	s.setPermission(state)
	return state
}

// ToggleTask persists a reminder setting and returns the stored value.
// Enabling while permission is still default prompts first; any outcome other
// than granted stores false.
func (s *Scheduler) ToggleTask(ctx context.Context, taskID string, enabled bool) (bool, error) {
	if taskID == "" {
		return false, models.ErrEmptyTaskID
	}
	if _, ok := s.registry.Get(taskID); !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}

	if enabled && s.Permission() == models.PermissionDefault {
		if s.RequestPermission(ctx) != models.PermissionGranted {
			enabled = false
		}
	}

	if err := s.settings.SetNotificationEnabled(taskID, enabled); err != nil {
		return false, fmt.Errorf("persist setting for %q: %w", taskID, err)
	}
	slog.Debug("Scheduler.ToggleTask: setting stored", "task_id", taskID, "enabled", enabled)
	s.bus.Publish(events.Event{
		Source: events.SourceNotify,
		Kind:   events.KindSettingChanged,
		Data:   map[string]any{"task_id": taskID, "enabled": enabled},
	})
	return enabled, nil
}

// Settings lists every registry task with its reminder setting.
func (s *Scheduler) Settings() ([]TaskSetting, error) {
	stored, err := s.settings.NotificationSettings()
	if err != nil {
		return nil, fmt.Errorf("read reminder settings: %w", err)
	}
	list := s.registry.Tasks()
	out := make([]TaskSetting, 0, len(list))
	for _, t := range list {
		// Unknown ids default to disabled.
		out = append(out, TaskSetting{Task: t, Enabled: stored[t.ID]})
	}
	return out, nil
}

// Permission returns the stored permission state.
func (s *Scheduler) Permission() models.PermissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

// FiredToday reports whether taskID has fired since the last midnight.
func (s *Scheduler) FiredToday(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firedToday[taskID]
}

func (s *Scheduler) setPermission(p models.PermissionState) {
	s.mu.Lock()
	changed := s.permission != p
	s.permission = p
	s.mu.Unlock()
	if changed {
		s.bus.Publish(events.Event{
			Source: events.SourceNotify,
			Kind:   events.KindPermission,
			Data:   map[string]any{"permission": string(p)},
		})
	}
}

// NextMidnight returns the start of the local day after now.
func NextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// armMidnight schedules the next reset from a fresh clock reading.
func (s *Scheduler) armMidnight() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	id, err := s.timer.ScheduleAt(NextMidnight(s.now()), s.resetDay)
	if err != nil {
		return err
	}
	s.midnightID = id
	return nil
}

func dayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

// rollDayLocked starts a new fired set when now falls on a later local date
// than the current one. It returns the number of cleared ids, or -1 when the
// date did not change.
func (s *Scheduler) rollDayLocked(now time.Time) int {
	day := dayKey(now)
	if day == s.firedDay {
		return -1
	}
	cleared := len(s.firedToday)
	s.firedToday = make(map[string]bool)
	s.firedDay = day
	return cleared
}

func (s *Scheduler) publishReset(cleared int) {
	slog.Info("Scheduler: daily reminders reset", "cleared", cleared)
	s.bus.Publish(events.Event{Source: events.SourceNotify, Kind: events.KindDailyReset})
}

func (s *Scheduler) resetDay() {
	s.mu.Lock()
	cleared := s.rollDayLocked(s.now())
	s.mu.Unlock()

	if cleared >= 0 {
		s.publishReset(cleared)
	}

	if err := s.armMidnight(); err != nil {
		slog.Error("Scheduler.resetDay: rearm failed", "error", err)
	}
}
