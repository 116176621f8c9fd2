// Package store provides storage backends for MindfulCoach.
//
// It persists per-task notification settings together with the mood and
// journal history, in memory, in SQLite or in PostgreSQL.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/MindfulCoach/internal/models"
)

// ErrEmptyTaskID is returned when a setting is read or written without a task id.
var ErrEmptyTaskID = models.ErrEmptyTaskID

// Store is the durable key→boolean settings store plus the mood and journal
// history. Unknown task ids read as disabled.
type Store interface {
	IsNotificationEnabled(taskID string) (bool, error)
	SetNotificationEnabled(taskID string, enabled bool) error
	NotificationSettings() (map[string]bool, error)

	AddMood(entry models.MoodEntry) error
	ListMoodsSince(since time.Time) ([]models.MoodEntry, error)
	AddJournalEntry(entry models.JournalEntry) error
	ListJournalEntriesSince(since time.Time) ([]models.JournalEntry, error)

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // Data source name
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else (file paths and file: URIs).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore is a simple in-memory store, used by tests and when no
// database is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	settings map[string]bool
	moods    []models.MoodEntry
	journal  []models.JournalEntry
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{settings: make(map[string]bool)}
}

func (s *InMemoryStore) IsNotificationEnabled(taskID string) (bool, error) {
	if taskID == "" {
		return false, ErrEmptyTaskID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[taskID], nil
}

func (s *InMemoryStore) SetNotificationEnabled(taskID string, enabled bool) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[taskID] = enabled
	return nil
}

func (s *InMemoryStore) NotificationSettings() (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) AddMood(entry models.MoodEntry) error {
	if _, err := models.LookupMood(entry.Rating); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moods = append(s.moods, entry)
	return nil
}

func (s *InMemoryStore) ListMoodsSince(since time.Time) ([]models.MoodEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MoodEntry
	for _, m := range s.moods {
		if !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *InMemoryStore) AddJournalEntry(entry models.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, entry)
	return nil
}

func (s *InMemoryStore) ListJournalEntriesSince(since time.Time) ([]models.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.JournalEntry
	for _, j := range s.journal {
		if !j.Timestamp.Before(since) {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
