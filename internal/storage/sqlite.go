package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"braindump/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	userId TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	objective TEXT NOT NULL,
	structuredOutput TEXT NOT NULL,
	transcription TEXT NOT NULL,
	createdAt INTEGER NOT NULL,
	updatedAt INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_user_created ON sessions (userId, createdAt DESC);
`

// SQLiteStore is a SessionStore backed by SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database at path with WAL.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveSession(ctx context.Context, userID string, sc domain.SessionContext, output domain.StructuredResult, transcription string) (domain.SavedSession, error) {
	record := newRecord(uuid.NewString(), userID, sc, output, transcription, s.now)

	encoded, err := json.Marshal(output)
	if err != nil {
		return domain.SavedSession{}, fmt.Errorf("encode structured output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, userId, name, description, objective, structuredOutput, transcription, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, userID, sc.Name, sc.Description, sc.Objective, string(encoded), transcription,
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano())
	if err != nil {
		return domain.SavedSession{}, fmt.Errorf("insert session: %w", err)
	}

	return record, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]domain.SavedSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, userId, name, description, objective, structuredOutput, transcription, createdAt, updatedAt
		FROM sessions
		WHERE userId = ?
		ORDER BY createdAt DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.SavedSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) GetSession(ctx context.Context, userID, id string) (domain.SavedSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, userId, name, description, objective, structuredOutput, transcription, createdAt, updatedAt
		FROM sessions
		WHERE id = ? AND userId = ?
	`, id, userID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SavedSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND userId = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.SavedSession, error) {
	var session domain.SavedSession
	var encoded string
	var createdAt, updatedAt int64

	if err := row.Scan(&session.ID, &session.UserID, &session.SessionData.Name, &session.SessionData.Description,
		&session.SessionData.Objective, &encoded, &session.Transcription, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SavedSession{}, err
		}
		return domain.SavedSession{}, fmt.Errorf("scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(encoded), &session.StructuredOutput); err != nil {
		return domain.SavedSession{}, fmt.Errorf("decode structured output: %w", err)
	}
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return session, nil
}
