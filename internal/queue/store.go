package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed command queue.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the queue database at dbPath and
// migrates it to the current schema version.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create queue db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for callers that need raw access,
// such as maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue stores a new command. Commands carrying a voice note start as
// recorded (awaiting transcription), plain text commands as queued.
func (s *Store) Enqueue(text, audioPath string, photoPaths []string) (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := StatusQueued
	if audioPath != "" {
		status = StatusRecorded
	}
	cmd := Command{
		ID:         uuid.NewString(),
		Text:       text,
		Status:     status,
		AudioPath:  audioPath,
		PhotoPaths: photoPaths,
		CreatedAt:  time.Now().UTC(),
	}

	photos, err := json.Marshal(cmd.PhotoPaths)
	if err != nil {
		return Command{}, fmt.Errorf("marshal photo paths: %w", err)
	}
	if cmd.PhotoPaths == nil {
		photos = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO commands (id, text, status, created_at, audio_path, photo_paths)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.Text, cmd.Status, cmd.CreatedAt.Format(time.RFC3339Nano), cmd.AudioPath, string(photos))
	if err != nil {
		return Command{}, fmt.Errorf("enqueue command: %w", err)
	}
	return cmd, nil
}

// Get returns one command by id.
func (s *Store) Get(id string) (Command, error) {
	row := s.db.QueryRow(selectColumns+` FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

// List returns commands, newest first. status filters when non-empty;
// limit <= 0 means no limit.
func (s *Store) List(status string, limit int) ([]Command, error) {
	q := selectColumns + ` FROM commands`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	result := make([]Command, 0)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return result, nil
}

// SetStatus moves a command to a new status.
func (s *Store) SetStatus(id, status string) error {
	return s.update(id, `UPDATE commands SET status = ? WHERE id = ?`, status, id)
}

// SetTranscription records the transcription of a voice command and
// moves it back to queued for processing.
func (s *Store) SetTranscription(id, transcription string) error {
	return s.update(id, `
		UPDATE commands SET transcription = ?, status = ? WHERE id = ?
	`, transcription, StatusQueued, id)
}

// Complete marks a command done and clears any failure bookkeeping.
func (s *Store) Complete(id string) error {
	return s.update(id, `
		UPDATE commands SET status = ?, failed = 0, error_message = '' WHERE id = ?
	`, StatusCompleted, id)
}

// Fail marks a command failed. actionNeeded flags commands the user must
// follow up on (e.g. the assistant needs clarification).
func (s *Store) Fail(id, errorMessage string, actionNeeded bool) error {
	return s.update(id, `
		UPDATE commands SET status = ?, failed = 1, error_message = ?, action_needed = ? WHERE id = ?
	`, StatusFailed, errorMessage, boolToInt(actionNeeded), id)
}

// PurgeCompleted deletes completed commands older than the cutoff and
// returns how many rows were removed.
func (s *Store) PurgeCompleted(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		DELETE FROM commands WHERE status = ? AND created_at < ?
	`, StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge completed commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) update(id, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("command %s not found", id)
	}
	return nil
}

const selectColumns = `
	SELECT id, text, transcription, status, failed, action_needed,
	       audio_path, photo_paths, error_message, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (Command, error) {
	var cmd Command
	var failed, actionNeeded int
	var photos, createdAt string
	err := row.Scan(
		&cmd.ID,
		&cmd.Text,
		&cmd.Transcription,
		&cmd.Status,
		&failed,
		&actionNeeded,
		&cmd.AudioPath,
		&photos,
		&cmd.ErrorMessage,
		&createdAt,
	)
	if err != nil {
		return Command{}, fmt.Errorf("scan command: %w", err)
	}
	cmd.Failed = failed == 1
	cmd.ActionNeeded = actionNeeded == 1
	if err := json.Unmarshal([]byte(photos), &cmd.PhotoPaths); err != nil {
		return Command{}, fmt.Errorf("parse photo paths: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		cmd.CreatedAt = ts
	}
	return cmd, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
