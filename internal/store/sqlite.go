package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// The driver applies _pragma values on every new connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	retry := shared.SQLiteRetry
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		slog.Debug("SQLite write contended, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	store := &SQLiteStore{db: db, retry: retry}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS plan_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		input_json TEXT NOT NULL,
		output_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plan_history_user ON plan_history(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS chat_transcripts (
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		model_label TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, kind)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// exec runs a write under the writer lock, retrying lock contention.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.exec(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// SavePlan appends a plan to the user's history. A missing id or timestamp
// is filled in.
func (s *SQLiteStore) SavePlan(ctx context.Context, item *domain.PlanHistoryItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}

	input, err := json.Marshal(item.Input)
	if err != nil {
		return fmt.Errorf("encode plan input: %w", err)
	}
	output, err := json.Marshal(item.Output)
	if err != nil {
		return fmt.Errorf("encode plan output: %w", err)
	}

	query := `
	INSERT INTO plan_history (id, user_id, input_json, output_json, created_at)
	VALUES (?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, query, item.ID, item.UserID, string(input), string(output), item.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// ListPlans returns up to limit plans, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, userID string, limit int) ([]domain.PlanHistoryItem, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, user_id, input_json, output_json, created_at
		FROM plan_history WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close plan rows", "error", closeErr)
		}
	}()

	items := make([]domain.PlanHistoryItem, 0, limit)
	for rows.Next() {
		item, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return items, nil
}

// LatestPlan returns the newest plan of a user.
func (s *SQLiteStore) LatestPlan(ctx context.Context, userID string) (*domain.PlanHistoryItem, error) {
	query := `
		SELECT id, user_id, input_json, output_json, created_at
		FROM plan_history WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`

	item, err := scanPlan(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// PrunePlans keeps only the newest keep plans of a user.
func (s *SQLiteStore) PrunePlans(ctx context.Context, userID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	query := `
	DELETE FROM plan_history
	WHERE user_id = ? AND id NOT IN (
		SELECT id FROM plan_history WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	)`
	result, err := s.exec(ctx, query, userID, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune plans: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (domain.PlanHistoryItem, error) {
	var item domain.PlanHistoryItem
	var input, output string
	var created int64
	if err := row.Scan(&item.ID, &item.UserID, &input, &output, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, err
		}
		return item, fmt.Errorf("scan plan row: %w", err)
	}
	if err := json.Unmarshal([]byte(input), &item.Input); err != nil {
		return item, fmt.Errorf("decode plan input %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(output), &item.Output); err != nil {
		return item, fmt.Errorf("decode plan output %s: %w", item.ID, err)
	}
	item.Timestamp = time.UnixMilli(created)
	return item, nil
}

// GetTranscript returns a saved chat session.
func (s *SQLiteStore) GetTranscript(ctx context.Context, userID string, kind domain.SessionKind) (*domain.TranscriptRecord, error) {
	query := `
		SELECT messages_json, model_label, created_at, updated_at
		FROM chat_transcripts WHERE user_id = ? AND kind = ?`

	var messagesJSON string
	var createdAt, updatedAt int64
	rec := domain.TranscriptRecord{UserID: userID, Kind: kind}
	err := s.db.QueryRowContext(ctx, query, userID, string(kind)).Scan(
		&messagesJSON, &rec.ModelLabel, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &rec.Messages); err != nil {
		return nil, fmt.Errorf("decode transcript messages: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

// SaveTranscript creates or replaces a saved chat session.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, rec *domain.TranscriptRecord) error {
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode transcript messages: %w", err)
	}

	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO chat_transcripts (user_id, kind, messages_json, model_label, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET
			messages_json = excluded.messages_json,
			model_label = excluded.model_label,
			updated_at = excluded.updated_at`

	if _, err := s.exec(ctx, query,
		rec.UserID, string(rec.Kind), string(messages), rec.ModelLabel,
		created.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}
