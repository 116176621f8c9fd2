// Package timeline maps daily task times onto the day strip shown above the
// chat: a percentage position within a visible window and a past/upcoming flag.
package timeline

import (
	"fmt"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/models"
)

// Default visible window, in minutes after local midnight.
const (
	DefaultStartMinute = 8 * 60
	DefaultEndMinute   = 22 * 60
)

// Window is the visible part of the day, in minutes after midnight.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// DefaultWindow spans 08:00 to 22:00.
var DefaultWindow = Window{Start: DefaultStartMinute, End: DefaultEndMinute}

// Mark is one task placed on the timeline.
type Mark struct {
	Task     models.DailyTask `json:"task"`
	Position float64          `json:"position"`
	Past     bool             `json:"past"`
}

// ParseClock converts "HH:MM" to minutes after midnight.
func ParseClock(s string) (int, error) {
	if len(s) != len(models.ClockLayout) {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidTaskTime, s)
	}
	t, err := time.Parse(models.ClockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidTaskTime, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// MinuteOfDay returns the local minute of day for t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Position returns where minute falls within the window as a percentage,
// clamped to [0, 100].
func (w Window) Position(minute int) float64 {
	span := w.End - w.Start
	if span <= 0 {
		return 0
	}
	pct := float64(minute-w.Start) / float64(span) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// NowPosition places the current time on the window.
func (w Window) NowPosition(now time.Time) float64 {
	return w.Position(MinuteOfDay(now))
}

// IsPast reports whether the task minute is strictly before the current
// minute. Malformed times are never past.
func IsPast(taskTime string, now time.Time) bool {
	m, err := ParseClock(taskTime)
	if err != nil {
		return false
	}
	return m < MinuteOfDay(now)
}

// Marks places every task on the window. Tasks with malformed times are
// skipped.
func (w Window) Marks(tasks []models.DailyTask, now time.Time) []Mark {
	out := make([]Mark, 0, len(tasks))
	for _, t := range tasks {
		m, err := ParseClock(t.Time)
		if err != nil {
			continue
		}
		out = append(out, Mark{
			Task:     t,
			Position: w.Position(m),
			Past:     m < MinuteOfDay(now),
		})
	}
	return out
}
