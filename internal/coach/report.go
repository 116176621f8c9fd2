package coach

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/MindfulCoach/internal/models"
)

// Fixed texts shown or sent by the orchestrator.
const (
	GreetingFallback   = "Здравствуйте! Я здесь, чтобы поддержать вас. Как вы себя чувствуете сегодня?"
	ConnectionFallback = "Возникли проблемы с подключением. Пожалуйста, проверьте соединение и попробуйте снова."
	JournalSavedUser   = "Я добавил запись в журнал."
	JournalSavedBot    = "Спасибо, что поделились. Ваши мысли сохранены."
	AffirmationRequest = "Дай мне, пожалуйста, аффирмацию на сегодня."

	reportIntro    = "Сгенерируй, пожалуйста, еженедельный отчет о моем прогрессе."
	reportAnalysis = "\n\nПроанализируй эту динамику, обращая внимание на мои заметки и записи в журнале, чтобы выявить триггеры и темы. Обязательно включи в свой ответ плейсхолдер " + ChartMarker + " для диаграммы."
	reportNoData   = " У меня пока нет данных о настроении или записей в журнале для анализа."

	reportDateLayout = "02.01.2006"
)

// ExerciseKind selects one of the speech exercises.
type ExerciseKind string

const (
	ExerciseDictation     ExerciseKind = "dictation"
	ExercisePronunciation ExerciseKind = "pronunciation"
	ExerciseGestures      ExerciseKind = "gestures"
)

// ErrUnknownExercise is returned for exercise kinds outside the known set.
var ErrUnknownExercise = errors.New("unknown exercise kind")

var exerciseRequests = map[ExerciseKind]string{
	ExerciseDictation:     "Сгенерируй, пожалуйста, упражнение на дикцию.",
	ExercisePronunciation: "Сгенерируй, пожалуйста, упражнение на произношение.",
	ExerciseGestures:      "Сгенерируй, пожалуйста, упражнение на язык жестов.",
}

// ExerciseRequest returns the chat request for kind.
func ExerciseRequest(kind ExerciseKind) (string, error) {
	req, ok := exerciseRequests[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownExercise, kind)
	}
	return req, nil
}

// MoodMessage renders a picker selection as the user's chat message.
func MoodMessage(mood models.MoodOption, note string) string {
	msg := fmt.Sprintf("Я чувствую себя: %s %s", mood.Emoji, mood.Label)
	if note != "" {
		msg += fmt.Sprintf(" (Заметка: %s)", note)
	}
	return msg
}

// BuildReportRequest renders the weekly report request. Entries are embedded
// as literal structured text; the chart marker is requested only when there
// is something to chart.
func BuildReportRequest(moods []models.MoodEntry, journal []models.JournalEntry) string {
	var b strings.Builder
	b.WriteString(reportIntro)

	if len(moods) > 0 {
		items := make([]string, 0, len(moods))
		for _, m := range moods {
			item := fmt.Sprintf("{ mood: %d, date: '%s'", m.Rating, m.Timestamp.Format(reportDateLayout))
			if m.Note != "" {
				item += fmt.Sprintf(", note: '%s'", quoteLiteral(m.Note))
			}
			items = append(items, item+" }")
		}
		fmt.Fprintf(&b, "\n\nВот моя история настроения за последнюю неделю: [%s].", strings.Join(items, ", "))
	}

	if len(journal) > 0 {
		items := make([]string, 0, len(journal))
		for _, j := range journal {
			text := strings.ReplaceAll(quoteLiteral(j.Text), "\n", " ")
			items = append(items, fmt.Sprintf("{ date: '%s', text: '%s' }", j.Timestamp.Format(reportDateLayout), text))
		}
		fmt.Fprintf(&b, "\n\nВот мои записи в журнале за последнюю неделю: [%s].", strings.Join(items, ", "))
	}

	if len(moods) > 0 || len(journal) > 0 {
		b.WriteString(reportAnalysis)
	} else {
		b.WriteString(reportNoData)
	}
	return b.String()
}

func quoteLiteral(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
