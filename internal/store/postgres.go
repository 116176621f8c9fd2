// Package store provides storage backends for MindfulCoach.
//
// This file implements a PostgreSQL-backed store for settings and history.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/MindfulCoach/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) IsNotificationEnabled(taskID string) (bool, error) {
	if taskID == "" {
		return false, ErrEmptyTaskID
	}
	var enabled bool
	err := s.db.QueryRow(`SELECT enabled FROM notification_settings WHERE task_id = $1`, taskID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore IsNotificationEnabled failed", "error", err, "taskID", taskID)
		return false, fmt.Errorf("failed to read setting for %s: %w", taskID, err)
	}
	return enabled, nil
}

func (s *PostgresStore) SetNotificationEnabled(taskID string, enabled bool) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	_, err := s.db.Exec(`
		INSERT INTO notification_settings (task_id, enabled, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (task_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		taskID, enabled)
	if err != nil {
		slog.Error("PostgresStore SetNotificationEnabled failed", "error", err, "taskID", taskID)
		return fmt.Errorf("failed to save setting for %s: %w", taskID, err)
	}
	slog.Debug("PostgresStore SetNotificationEnabled succeeded", "taskID", taskID, "enabled", enabled)
	return nil
}

func (s *PostgresStore) NotificationSettings() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT task_id, enabled FROM notification_settings`)
	if err != nil {
		slog.Error("PostgresStore NotificationSettings query failed", "error", err)
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		var enabled bool
		if err := rows.Scan(&id, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		out[id] = enabled
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddMood(entry models.MoodEntry) error {
	if _, err := models.LookupMood(entry.Rating); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO mood_entries (rating, note, recorded_at) VALUES ($1, $2, $3)`,
		entry.Rating, entry.Note, entry.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddMood failed", "error", err, "rating", entry.Rating)
		return fmt.Errorf("failed to insert mood entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMoodsSince(since time.Time) ([]models.MoodEntry, error) {
	rows, err := s.db.Query(`SELECT rating, note, recorded_at FROM mood_entries WHERE recorded_at >= $1 ORDER BY recorded_at, id`, since)
	if err != nil {
		slog.Error("PostgresStore ListMoodsSince query failed", "error", err)
		return nil, fmt.Errorf("failed to query mood entries: %w", err)
	}
	defer rows.Close()

	var out []models.MoodEntry
	for rows.Next() {
		var m models.MoodEntry
		if err := rows.Scan(&m.Rating, &m.Note, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan mood row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mood rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddJournalEntry(entry models.JournalEntry) error {
	_, err := s.db.Exec(`INSERT INTO journal_entries (body, recorded_at) VALUES ($1, $2)`, entry.Text, entry.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddJournalEntry failed", "error", err)
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListJournalEntriesSince(since time.Time) ([]models.JournalEntry, error) {
	rows, err := s.db.Query(`SELECT body, recorded_at FROM journal_entries WHERE recorded_at >= $1 ORDER BY recorded_at, id`, since)
	if err != nil {
		slog.Error("PostgresStore ListJournalEntriesSince query failed", "error", err)
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	var out []models.JournalEntry
	for rows.Next() {
		var j models.JournalEntry
		if err := rows.Scan(&j.Text, &j.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal rows: %w", err)
	}
	return out, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
