// Package coach implements the conversation orchestrator: the single owner
// of the message list, the busy gate, the mood-prompt gate and quick replies.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/events"
	"github.com/BTreeMap/MindfulCoach/internal/models"
	"github.com/BTreeMap/MindfulCoach/internal/store"
	"github.com/BTreeMap/MindfulCoach/internal/timeline"
	"github.com/BTreeMap/MindfulCoach/internal/timer"
	"github.com/BTreeMap/MindfulCoach/internal/util"
)

// Defaults for the mood picker.
const (
	// MoodPromptCooldown is the minimum gap between automatic mood prompts.
	MoodPromptCooldown = 4 * time.Hour
	// DefaultMoodPickerDelay lets the reply render before the picker opens.
	DefaultMoodPickerDelay = 100 * time.Millisecond
	// ReportWindow is how far back the weekly report looks.
	ReportWindow = 7 * 24 * time.Hour
)

// Errors returned by orchestrator operations.
var (
	ErrAlreadyStarted    = errors.New("session already started")
	ErrQuickReplyNotLive = errors.New("quick reply is not live")
)

// ChatClient is the remote chat collaborator.
type ChatClient interface {
	GetInitialGreeting(ctx context.Context) (string, error)
	GetChatResponse(ctx context.Context, text string) (string, error)
}

// Playback is the part of the audio manager the orchestrator drives.
type Playback interface {
	StopAll()
}

// Opts holds configuration options for the orchestrator.
type Opts struct {
	Bus             *events.Bus
	Timer           timer.Timer
	Now             func() time.Time
	MoodPickerDelay time.Duration
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithBus publishes state changes on bus.
func WithBus(bus *events.Bus) Option {
	return func(o *Opts) { o.Bus = bus }
}

// WithTimer sets the deferral primitive. Defaults to a SimpleTimer.
func WithTimer(t timer.Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithMoodPickerDelay sets how long after a mood marker the picker opens.
func WithMoodPickerDelay(d time.Duration) Option {
	return func(o *Opts) { o.MoodPickerDelay = d }
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Messages         []models.Message `json:"messages"`
	Busy             bool             `json:"busy"`
	MoodPickerOpen   bool             `json:"mood_picker_open"`
	LastMoodPromptAt *time.Time       `json:"last_mood_prompt_at,omitempty"`
	// LiveQuickReplyMessageID names the message whose quick replies may be
	// offered, empty when none are live.
	LiveQuickReplyMessageID string `json:"live_quick_reply_message_id,omitempty"`
}

// Orchestrator owns the conversation session.
type Orchestrator struct {
	chat        ChatClient
	history     store.Store
	timer       timer.Timer
	bus         *events.Bus
	now         func() time.Time
	pickerDelay time.Duration

	mu               sync.Mutex
	baseCtx          context.Context
	started          bool
	messages         []models.Message
	index            map[string]int
	busy             bool
	lastMoodPromptAt *time.Time
	moodPickerOpen   bool
	playback         Playback
}

// NewOrchestrator creates a session. The session is busy until Start has
// appended the greeting.
func NewOrchestrator(chat ChatClient, history store.Store, opts ...Option) *Orchestrator {
	cfg := Opts{MoodPickerDelay: DefaultMoodPickerDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timer == nil {
		cfg.Timer = timer.NewSimpleTimer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		chat:        chat,
		history:     history,
		timer:       cfg.Timer,
		bus:         cfg.Bus,
		now:         cfg.Now,
		pickerDelay: cfg.MoodPickerDelay,
		baseCtx:     context.Background(),
		index:       make(map[string]int),
		busy:        true,
	}
}

// AttachPlayback connects the audio manager. Outgoing requests stop any
// playback first.
func (o *Orchestrator) AttachPlayback(p Playback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.playback = p
}

// Start fetches the greeting and opens the session. A failed greeting is
// replaced by GreetingFallback; the session is never left busy.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.baseCtx = ctx
	o.mu.Unlock()

	defer o.setBusy(false)

	greeting, err := o.chat.GetInitialGreeting(ctx)
	if err != nil {
		slog.Error("Orchestrator.Start: greeting failed, using fallback", "error", err)
		greeting = GreetingFallback
	}
	o.addBotMessage(greeting)
	slog.Info("Orchestrator.Start: session started")
	return nil
}

// SendUserMessage sends text to the coach. It reports false, doing nothing,
// when text is blank or a request is already in flight. Remote failures
// become ConnectionFallback; they are never returned.
func (o *Orchestrator) SendUserMessage(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		slog.Debug("Orchestrator.SendUserMessage: busy, dropping message")
		return false
	}
	o.busy = true
	msg := o.appendLocked(models.SenderUser, text, parsedReply{})
	playback := o.playback
	o.mu.Unlock()

	o.publishAppended(msg)
	o.publishBusy(true)
	defer o.setBusy(false)

	if playback != nil {
		playback.StopAll()
	}

	reply, err := o.chat.GetChatResponse(ctx, text)
	if err != nil {
		slog.Error("Orchestrator.SendUserMessage: chat request failed", "error", err)
		reply = ConnectionFallback
	}
	o.addBotMessage(reply)
	return true
}

// addBotMessage interprets the markers in raw and appends the result.
func (o *Orchestrator) addBotMessage(raw string) models.Message {
	p := parseBotText(raw)
	if p.QuickReplyErr != nil {
		slog.Warn("Orchestrator.addBotMessage: dropping malformed quick replies", "error", p.QuickReplyErr)
	}

	o.mu.Lock()
	msg := o.appendLocked(models.SenderBot, p.Text, p)
	openPicker := false
	if p.AskForMood {
		now := o.now()
		if o.lastMoodPromptAt == nil || now.Sub(*o.lastMoodPromptAt) > MoodPromptCooldown {
			o.lastMoodPromptAt = &now
			openPicker = true
		} else {
			slog.Debug("Orchestrator.addBotMessage: mood prompt suppressed by cool-down", "last", *o.lastMoodPromptAt)
		}
	}
	o.mu.Unlock()

	o.publishAppended(msg)
	if openPicker {
		if _, err := o.timer.ScheduleAfter(o.pickerDelay, o.openMoodPicker); err != nil {
			slog.Error("Orchestrator.addBotMessage: failed to schedule mood picker", "error", err)
		}
	}
	return msg
}

func (o *Orchestrator) appendLocked(sender models.Sender, text string, p parsedReply) models.Message {
	msg := models.Message{
		ID:        util.NewMessageID(sender == models.SenderBot),
		Sender:    sender,
		Text:      text,
		CreatedAt: o.now(),
	}
	if sender == models.SenderBot {
		msg.AudioState = models.AudioIdle
		msg.ContainsChart = p.ContainsChart
		msg.ChartOffset = p.ChartOffset
		msg.QuickReplies = p.QuickReplies
	}
	o.index[msg.ID] = len(o.messages)
	o.messages = append(o.messages, msg)
	return copyMessage(msg)
}

func (o *Orchestrator) openMoodPicker() {
	o.mu.Lock()
	if o.moodPickerOpen {
		o.mu.Unlock()
		return
	}
	o.moodPickerOpen = true
	o.mu.Unlock()
	o.publishPicker(true)
}

// DismissMoodPicker closes the picker without recording a mood.
func (o *Orchestrator) DismissMoodPicker() {
	o.mu.Lock()
	wasOpen := o.moodPickerOpen
	o.moodPickerOpen = false
	o.mu.Unlock()
	if wasOpen {
		o.publishPicker(false)
	}
}

// RecordMoodSelection stores a mood, closes the picker and, on the next
// scheduling turn, sends the selection as a user message.
func (o *Orchestrator) RecordMoodSelection(rating int, note string) error {
	mood, err := models.LookupMood(rating)
	if err != nil {
		return err
	}
	note = strings.TrimSpace(note)
	now := o.now()

	if err := o.history.AddMood(models.MoodEntry{Rating: rating, Note: note, Timestamp: now}); err != nil {
		slog.Error("Orchestrator.RecordMoodSelection: failed to store mood", "error", err, "rating", rating)
	}

	o.mu.Lock()
	wasOpen := o.moodPickerOpen
	o.moodPickerOpen = false
	o.lastMoodPromptAt = &now
	ctx := o.baseCtx
	o.mu.Unlock()
	if wasOpen {
		o.publishPicker(false)
	}

	text := MoodMessage(mood, note)
	if _, err := o.timer.ScheduleAfter(0, func() { o.SendUserMessage(ctx, text) }); err != nil {
		return fmt.Errorf("failed to schedule mood message: %w", err)
	}
	return nil
}

// GenerateWeeklyReport asks the coach for a report over the last seven days.
// It reports false when the session is busy.
func (o *Orchestrator) GenerateWeeklyReport(ctx context.Context) bool {
	o.mu.Lock()
	busy := o.busy
	playback := o.playback
	o.mu.Unlock()
	if busy {
		return false
	}
	if playback != nil {
		playback.StopAll()
	}

	since := o.now().Add(-ReportWindow)
	moods, err := o.history.ListMoodsSince(since)
	if err != nil {
		slog.Error("Orchestrator.GenerateWeeklyReport: failed to load moods", "error", err)
	}
	journal, err := o.history.ListJournalEntriesSince(since)
	if err != nil {
		slog.Error("Orchestrator.GenerateWeeklyReport: failed to load journal", "error", err)
	}
	slog.Debug("Orchestrator.GenerateWeeklyReport: building request", "moods", len(moods), "journal", len(journal))
	return o.SendUserMessage(ctx, BuildReportRequest(moods, journal))
}

// SaveJournalEntry stores a journal note and confirms it in the chat without
// contacting the coach. Blank text is ignored.
func (o *Orchestrator) SaveJournalEntry(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if err := o.history.AddJournalEntry(models.JournalEntry{Text: text, Timestamp: o.now()}); err != nil {
		slog.Error("Orchestrator.SaveJournalEntry: failed to store entry", "error", err)
	}

	o.mu.Lock()
	user := o.appendLocked(models.SenderUser, JournalSavedUser, parsedReply{})
	bot := o.appendLocked(models.SenderBot, JournalSavedBot, parsedReply{})
	o.mu.Unlock()

	o.publishAppended(user)
	o.publishAppended(bot)
	return true
}

// RequestAffirmation asks the coach for today's affirmation.
func (o *Orchestrator) RequestAffirmation(ctx context.Context) bool {
	return o.SendUserMessage(ctx, AffirmationRequest)
}

// RequestExercise asks the coach for a speech exercise.
func (o *Orchestrator) RequestExercise(ctx context.Context, kind ExerciseKind) (bool, error) {
	req, err := ExerciseRequest(kind)
	if err != nil {
		return false, err
	}
	return o.SendUserMessage(ctx, req), nil
}

// StartTask sends a timeline task's prompt. Tasks whose time has passed
// today cannot be started.
func (o *Orchestrator) StartTask(ctx context.Context, task models.DailyTask) bool {
	if timeline.IsPast(task.Time, o.now()) {
		slog.Debug("Orchestrator.StartTask: task already past", "task_id", task.ID)
		return false
	}
	return o.SendUserMessage(ctx, task.Prompt)
}

// SelectQuickReply sends one of the quick replies of messageID. Only the
// newest message, when it is a bot message, has live quick replies.
func (o *Orchestrator) SelectQuickReply(ctx context.Context, messageID string, index int) (bool, error) {
	o.mu.Lock()
	liveID, replies := o.liveQuickRepliesLocked()
	if liveID == "" || liveID != messageID || index < 0 || index >= len(replies) {
		o.mu.Unlock()
		return false, ErrQuickReplyNotLive
	}
	text := replies[index]
	o.mu.Unlock()
	return o.SendUserMessage(ctx, text), nil
}

// LiveQuickReplies returns the quick replies that may currently be offered.
func (o *Orchestrator) LiveQuickReplies() (string, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, replies := o.liveQuickRepliesLocked()
	return id, append([]string(nil), replies...)
}

func (o *Orchestrator) liveQuickRepliesLocked() (string, []string) {
	if len(o.messages) == 0 {
		return "", nil
	}
	last := o.messages[len(o.messages)-1]
	if !last.IsBot() || len(last.QuickReplies) == 0 {
		return "", nil
	}
	return last.ID, last.QuickReplies
}

// Snapshot returns a copy of the session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		Messages:       make([]models.Message, len(o.messages)),
		Busy:           o.busy,
		MoodPickerOpen: o.moodPickerOpen,
	}
	for i, m := range o.messages {
		s.Messages[i] = copyMessage(m)
	}
	if o.lastMoodPromptAt != nil {
		t := *o.lastMoodPromptAt
		s.LastMoodPromptAt = &t
	}
	s.LiveQuickReplyMessageID, _ = o.liveQuickRepliesLocked()
	return s
}

// Message returns a copy of one message.
func (o *Orchestrator) Message(id string) (models.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, ok := o.index[id]
	if !ok {
		return models.Message{}, false
	}
	return copyMessage(o.messages[i]), true
}

// MoodHistory returns every recorded mood, oldest first.
func (o *Orchestrator) MoodHistory() ([]models.MoodEntry, error) {
	return o.history.ListMoodsSince(time.Time{})
}

// AudioState reports the audio state of a bot message.
func (o *Orchestrator) AudioState(id string) (models.AudioState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, ok := o.index[id]
	if !ok || !o.messages[i].IsBot() {
		return "", false
	}
	return o.messages[i].AudioState, true
}

// SetAudioState updates the audio state of a bot message. It is the only
// mutation allowed on an appended message.
func (o *Orchestrator) SetAudioState(id string, st models.AudioState) {
	o.mu.Lock()
	i, ok := o.index[id]
	if !ok || !o.messages[i].IsBot() || o.messages[i].AudioState == st {
		o.mu.Unlock()
		return
	}
	o.messages[i].AudioState = st
	o.mu.Unlock()
	o.publishAudio(id, st)
}

// ResetAudioStates returns every loading or playing message to idle.
func (o *Orchestrator) ResetAudioStates() {
	o.mu.Lock()
	var changed []string
	for i := range o.messages {
		if o.messages[i].IsBot() && o.messages[i].AudioState != models.AudioIdle {
			o.messages[i].AudioState = models.AudioIdle
			changed = append(changed, o.messages[i].ID)
		}
	}
	o.mu.Unlock()
	for _, id := range changed {
		o.publishAudio(id, models.AudioIdle)
	}
}

// Busy reports whether a chat request is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

func (o *Orchestrator) setBusy(busy bool) {
	o.mu.Lock()
	changed := o.busy != busy
	o.busy = busy
	o.mu.Unlock()
	if changed {
		o.publishBusy(busy)
	}
}

func (o *Orchestrator) publishAppended(msg models.Message) {
	o.bus.Publish(events.Event{
		Source: events.SourceCoach,
		Kind:   events.KindMessageAppended,
		Data:   map[string]any{"message_id": msg.ID, "sender": string(msg.Sender)},
	})
}

func (o *Orchestrator) publishBusy(busy bool) {
	o.bus.Publish(events.Event{
		Source: events.SourceCoach,
		Kind:   events.KindBusyChanged,
		Data:   map[string]any{"busy": busy},
	})
}

func (o *Orchestrator) publishPicker(open bool) {
	o.bus.Publish(events.Event{
		Source: events.SourceCoach,
		Kind:   events.KindMoodPicker,
		Data:   map[string]any{"open": open},
	})
}

func (o *Orchestrator) publishAudio(id string, st models.AudioState) {
	o.bus.Publish(events.Event{
		Source: events.SourceAudio,
		Kind:   events.KindAudioState,
		Data:   map[string]any{"message_id": id, "state": string(st)},
	})
}

func copyMessage(m models.Message) models.Message {
	if m.QuickReplies != nil {
		m.QuickReplies = append([]string(nil), m.QuickReplies...)
	}
	return m
}
