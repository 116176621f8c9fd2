// Package store provides storage backends for MindfulCoach.
//
// This file implements an SQLite-backed store for settings and history.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/MindfulCoach/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY from concurrent components.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) IsNotificationEnabled(taskID string) (bool, error) {
	if taskID == "" {
		return false, ErrEmptyTaskID
	}
	var enabled bool
	err := s.db.QueryRow(`SELECT enabled FROM notification_settings WHERE task_id = ?`, taskID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore IsNotificationEnabled failed", "error", err, "taskID", taskID)
		return false, fmt.Errorf("failed to read setting for %s: %w", taskID, err)
	}
	return enabled, nil
}

func (s *SQLiteStore) SetNotificationEnabled(taskID string, enabled bool) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	_, err := s.db.Exec(`
		INSERT INTO notification_settings (task_id, enabled, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id) DO UPDATE SET enabled = excluded.enabled, updated_at = CURRENT_TIMESTAMP`,
		taskID, enabled)
	if err != nil {
		slog.Error("SQLiteStore SetNotificationEnabled failed", "error", err, "taskID", taskID)
		return fmt.Errorf("failed to save setting for %s: %w", taskID, err)
	}
	slog.Debug("SQLiteStore SetNotificationEnabled succeeded", "taskID", taskID, "enabled", enabled)
	return nil
}

func (s *SQLiteStore) NotificationSettings() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT task_id, enabled FROM notification_settings`)
	if err != nil {
		slog.Error("SQLiteStore NotificationSettings query failed", "error", err)
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

func (s *SQLiteStore) AddMood(entry models.MoodEntry) error {
	if _, err := models.LookupMood(entry.Rating); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO mood_entries (rating, note, recorded_at) VALUES (?, ?, ?)`,
		entry.Rating, entry.Note, entry.Timestamp.UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore AddMood failed", "error", err, "rating", entry.Rating)
		return fmt.Errorf("failed to insert mood entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMoodsSince(since time.Time) ([]models.MoodEntry, error) {
	rows, err := s.db.Query(`SELECT rating, note, recorded_at FROM mood_entries WHERE recorded_at >= ? ORDER BY recorded_at, id`,
		since.UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore ListMoodsSince query failed", "error", err)
		return nil, fmt.Errorf("failed to query mood entries: %w", err)
	}
	defer rows.Close()

	var out []models.MoodEntry
	for rows.Next() {
		var m models.MoodEntry
		var ms int64
		if err := rows.Scan(&m.Rating, &m.Note, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan mood row: %w", err)
		}
		m.Timestamp = time.UnixMilli(ms)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mood rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddJournalEntry(entry models.JournalEntry) error {
	_, err := s.db.Exec(`INSERT INTO journal_entries (body, recorded_at) VALUES (?, ?)`,
		entry.Text, entry.Timestamp.UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore AddJournalEntry failed", "error", err)
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListJournalEntriesSince(since time.Time) ([]models.JournalEntry, error) {
	rows, err := s.db.Query(`SELECT body, recorded_at FROM journal_entries WHERE recorded_at >= ? ORDER BY recorded_at, id`,
		since.UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore ListJournalEntriesSince query failed", "error", err)
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	var out []models.JournalEntry
	for rows.Next() {
		var j models.JournalEntry
		var ms int64
		if err := rows.Scan(&j.Text, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		j.Timestamp = time.UnixMilli(ms)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal rows: %w", err)
	}
	return out, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
