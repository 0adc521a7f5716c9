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
	"strings"
	"sync"
	"time"

	"github.com/ashureev/halfduplex/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS relay_sessions (
		session_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		conversation_id TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_relay_sessions_updated ON relay_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS transcript_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		conversation_id TEXT,
		direction TEXT NOT NULL,
		activity_id TEXT,
		activity_type TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript_entries(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_transcript_recorded ON transcript_entries(recorded_at);
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

// CreateSession records a new relay session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.RelaySession) error {
	query := `
	INSERT INTO relay_sessions (session_id, client_id, conversation_id, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return s.write(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.SessionID, session.ClientID, nullString(session.ConversationID.String()),
			string(session.Status), session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
		)
		return err
	})
}

// GetSession retrieves a relay session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.RelaySession, error) {
	query := `
		SELECT session_id, client_id, conversation_id, status, created_at, updated_at
		FROM relay_sessions WHERE session_id = ?`

	var session domain.RelaySession
	var conversationID sql.NullString
	var status string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.SessionID, &session.ClientID, &conversationID,
		&status, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.ConversationID = domain.ConversationID(conversationID.String)
	session.Status = domain.SessionStatus(status)
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

// UpdateSession sets the conversation id and status of a session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, conversationID domain.ConversationID, status domain.SessionStatus) error {
	query := `
		UPDATE relay_sessions
		SET conversation_id = COALESCE(?, conversation_id), status = ?, updated_at = ?
		WHERE session_id = ?`

	var rows int64
	err := s.write(ctx, "update session", func() error {
		result, err := s.db.ExecContext(ctx, query,
			nullString(conversationID.String()), string(status), time.Now().UnixMilli(), sessionID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", sessionID)
		return ErrSessionNotFound
	}
	return nil
}

// AppendTranscript stores one relayed activity.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, entry *domain.TranscriptEntry) error {
	payload, err := json.Marshal(entry.Activity)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}

	query := `
	INSERT INTO transcript_entries (
		session_id, conversation_id, direction, activity_id, activity_type, activity_json, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	return s.write(ctx, "append transcript", func() error {
		result, err := s.db.ExecContext(ctx, query,
			entry.SessionID, nullString(entry.ConversationID.String()), string(entry.Direction),
			nullString(entry.ActivityID), entry.ActivityType, string(payload), entry.RecordedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		entry.ID, err = result.LastInsertId()
		return err
	})
}

// ListTranscript returns a session's entries in relay order.
func (s *SQLiteStore) ListTranscript(ctx context.Context, sessionID string, limit int) ([]*domain.TranscriptEntry, error) {
	query := `
		SELECT id, session_id, conversation_id, direction, activity_id,
		       activity_type, activity_json, recorded_at
		FROM transcript_entries WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var entries []*domain.TranscriptEntry
	for rows.Next() {
		var entry domain.TranscriptEntry
		var conversationID, activityID sql.NullString
		var direction, payload string
		var recordedAt int64

		if err := rows.Scan(
			&entry.ID, &entry.SessionID, &conversationID, &direction, &activityID,
			&entry.ActivityType, &payload, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}

		activity, err := domain.ParseActivity([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode transcript entry %d: %w", entry.ID, err)
		}

		entry.ConversationID = domain.ConversationID(conversationID.String)
		entry.Direction = domain.Direction(direction)
		entry.ActivityID = activityID.String
		entry.Activity = activity
		entry.RecordedAt = time.UnixMilli(recordedAt)
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return entries, nil
}

// DeleteBefore removes sessions last updated, and entries recorded, before cutoff.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	threshold := cutoff.UnixMilli()
	var sessions, entries int64

	err := s.write(ctx, "delete expired", func() error {
		entryRes, err := s.db.ExecContext(ctx, `DELETE FROM transcript_entries WHERE recorded_at < ?`, threshold)
		if err != nil {
			return err
		}
		if entries, err = entryRes.RowsAffected(); err != nil {
			return err
		}

		sessionRes, err := s.db.ExecContext(ctx, `
			DELETE FROM relay_sessions WHERE updated_at < ?
			AND session_id NOT IN (SELECT DISTINCT session_id FROM transcript_entries)`, threshold)
		if err != nil {
			return err
		}
		sessions, err = sessionRes.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return sessions, entries, nil
}

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// write runs fn under the write lock, retrying with exponential backoff when
// SQLite reports the database as busy or locked.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < writeAttempts; i++ {
		s.writeMu.Lock()
		err = fn()
		s.writeMu.Unlock()
		if err == nil {
			return nil
		}
		if !isConflictError(err) || i == writeAttempts-1 {
			break
		}

		delay := writeBaseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isConflictError reports SQLITE_BUSY and "database is locked" errors.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
