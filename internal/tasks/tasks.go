// Package tasks holds the immutable registry of daily activities shown on the
// timeline and used by the notification scheduler.
package tasks

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/MindfulCoach/internal/models"
)

// DefaultTasks is the built-in registry used when no tasks file is configured.
var DefaultTasks = []models.DailyTask{
	{
		ID:     "morning-affirmation",
		Title:  "Утренняя аффирмация",
		Time:   "09:00",
		Prompt: "Дай мне, пожалуйста, аффирмацию на сегодня.",
	},
	{
		ID:     "breathing",
		Title:  "Дыхательная практика",
		Time:   "12:30",
		Prompt: "Проведи меня, пожалуйста, через короткую дыхательную практику.",
	},
	{
		ID:     "speech-exercise",
		Title:  "Упражнение на дикцию",
		Time:   "16:00",
		Prompt: "Сгенерируй, пожалуйста, упражнение на дикцию.",
	},
	{
		ID:     "evening-journal",
		Title:  "Вечерний дневник",
		Time:   "21:00",
		Prompt: "Помоги мне, пожалуйста, подвести итоги дня и сделать запись в дневнике.",
	},
}

// Registry is a validated, read-only list of daily tasks.
type Registry struct {
	tasks []models.DailyTask
	byID  map[string]models.DailyTask
}

// tasksFile is the on-disk YAML layout.
type tasksFile struct {
	Tasks []models.DailyTask `yaml:"tasks"`
}

// New validates tasks and builds a registry. Ids must be unique.
func New(list []models.DailyTask) (*Registry, error) {
	r := &Registry{
		tasks: make([]models.DailyTask, 0, len(list)),
		byID:  make(map[string]models.DailyTask, len(list)),
	}
	for _, t := range list {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: %s", models.ErrDuplicateTaskID, t.ID)
		}
		r.byID[t.ID] = t
		r.tasks = append(r.tasks, t)
	}
	return r, nil
}

// Default returns a registry of DefaultTasks.
func Default() *Registry {
	r, err := New(DefaultTasks)
	if err != nil {
		// DefaultTasks is a compile-time constant list.
		panic(fmt.Sprintf("tasks: invalid default registry: %v", err))
	}
	return r
}

// LoadFile reads a YAML registry of the form:
//
//	tasks:
//	  - id: breathing
//	    title: Дыхательная практика
//	    time: "12:30"
//	    prompt: ...
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks file: %w", err)
	}
	var f tasksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file %s: %w", path, err)
	}
	r, err := New(f.Tasks)
	if err != nil {
		return nil, fmt.Errorf("invalid tasks file %s: %w", path, err)
	}
	slog.Debug("Registry.LoadFile: tasks loaded", "path", path, "count", len(r.tasks))
	return r, nil
}

// Tasks returns a copy of the registry in declaration order.
func (r *Registry) Tasks() []models.DailyTask {
	out := make([]models.DailyTask, len(r.tasks))
	copy(out, r.tasks)
	return out
}

// Get looks a task up by id.
func (r *Registry) Get(id string) (models.DailyTask, bool) {
	t, ok := r.byID[id]
	return t, ok
}
