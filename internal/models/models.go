// Package models defines the core data structures for MindfulCoach.
//
// It includes the chat message, daily task, mood and journal types that are
// shared across the coach, audio, notify, store and api modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	// SenderUser marks messages typed (or synthesized) on behalf of the user.
	SenderUser Sender = "user"
	// SenderBot marks messages produced by the coach.
	SenderBot Sender = "bot"
)

// AudioState is the playback lifecycle of a single bot message.
type AudioState string

const (
	// AudioIdle means nothing is loading or playing for the message.
	AudioIdle AudioState = "idle"
	// AudioLoading means speech is being synthesized for the message.
	AudioLoading AudioState = "loading"
	// AudioPlaying means the synthesized speech is currently audible.
	AudioPlaying AudioState = "playing"
)

// PermissionState mirrors the host notification permission.
type PermissionState string

const (
	// PermissionDefault means the user has not been asked yet.
	PermissionDefault PermissionState = "default"
	// PermissionGranted means notifications may be shown.
	PermissionGranted PermissionState = "granted"
	// PermissionDenied is terminal until the user changes host settings.
	PermissionDenied PermissionState = "denied"
)

// Validation constants for input validation
const (
	// MaxQuickReplies is the maximum number of quick replies attached to a bot message.
	MaxQuickReplies = 3
	// MinMoodRating is the lowest mood rating offered by the picker.
	MinMoodRating = 1
	// MaxMoodRating is the highest mood rating offered by the picker.
	MaxMoodRating = 5
	// ClockLayout is the "HH:MM" layout used for daily task times.
	ClockLayout = "15:04"
)

// Error variables for better error handling and testability
var (
	ErrEmptyTaskID       = errors.New("task id cannot be empty")
	ErrEmptyTaskTitle    = errors.New("task title cannot be empty")
	ErrInvalidTaskTime   = errors.New("task time must be in HH:MM format")
	ErrDuplicateTaskID   = errors.New("duplicate task id")
	ErrInvalidMoodRating = errors.New("mood rating must be between 1 and 5")
	ErrUnknownMessage    = errors.New("unknown message id")
)

// Message is one entry in the conversation. Only AudioState changes after
// the message has been appended.
type Message struct {
	ID            string     `json:"id"`
	Sender        Sender     `json:"sender"`
	Text          string     `json:"text"`
	CreatedAt     time.Time  `json:"created_at"`
	ContainsChart bool       `json:"contains_chart,omitempty"`
	ChartOffset   int        `json:"chart_offset,omitempty"` // byte offset in Text where the mood chart is inlined
	QuickReplies  []string   `json:"quick_replies,omitempty"`
	AudioState    AudioState `json:"audio_state,omitempty"`
}

// SpeechText returns the part of the message that should be read aloud:
// everything before the inlined chart, if any.
func (m Message) SpeechText() string {
	if m.ContainsChart && m.ChartOffset >= 0 && m.ChartOffset <= len(m.Text) {
		return strings.TrimSpace(m.Text[:m.ChartOffset])
	}
	return m.Text
}

// IsBot reports whether the message was authored by the coach.
func (m Message) IsBot() bool {
	return m.Sender == SenderBot
}

// DailyTask is an immutable reminder definition from the task registry.
type DailyTask struct {
	ID     string `json:"id" yaml:"id"`
	Title  string `json:"title" yaml:"title"`
	Time   string `json:"time" yaml:"time"` // local "HH:MM"
	Prompt string `json:"prompt" yaml:"prompt"`
}

// Validate checks that the task has an id, a title and a well-formed time.
func (t DailyTask) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrEmptyTaskID
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyTaskTitle, t.ID)
	}
	if _, err := time.Parse(ClockLayout, t.Time); err != nil || len(t.Time) != len(ClockLayout) {
		return fmt.Errorf("%w: %s has %q", ErrInvalidTaskTime, t.ID, t.Time)
	}
	return nil
}

// MoodOption is one choice offered by the mood picker.
type MoodOption struct {
	Rating int    `json:"rating"`
	Emoji  string `json:"emoji"`
	Label  string `json:"label"`
}

// MoodOptions lists the picker choices from worst to best.
var MoodOptions = []MoodOption{
	{Rating: 1, Emoji: "😔", Label: "Ужасно"},
	{Rating: 2, Emoji: "😕", Label: "Плохо"},
	{Rating: 3, Emoji: "😐", Label: "Нормально"},
	{Rating: 4, Emoji: "🙂", Label: "Хорошо"},
	{Rating: 5, Emoji: "😄", Label: "Отлично"},
}

// LookupMood returns the picker option for a rating.
func LookupMood(rating int) (MoodOption, error) {
	if rating < MinMoodRating || rating > MaxMoodRating {
		return MoodOption{}, ErrInvalidMoodRating
	}
	return MoodOptions[rating-MinMoodRating], nil
}

// MoodEntry records one mood selection.
type MoodEntry struct {
	Rating    int       `json:"rating"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JournalEntry records one free-form journal note.
type JournalEntry struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is a reminder produced by the scheduler.
type Notification struct {
	TaskID string    `json:"task_id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	FireAt time.Time `json:"fire_at"`
}
