package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"braindump/internal/config"
	"braindump/internal/domain"
)

var ErrNotFound = errors.New("not found")

// SessionStore persists saved brainstorming sessions per user. Records are
// immutable once written; corrections are a delete followed by a new save.
type SessionStore interface {
	SaveSession(ctx context.Context, userID string, sc domain.SessionContext, output domain.StructuredResult, transcription string) (domain.SavedSession, error)
	ListSessions(ctx context.Context, userID string) ([]domain.SavedSession, error)
	GetSession(ctx context.Context, userID, id string) (domain.SavedSession, error)
	DeleteSession(ctx context.Context, userID, id string) error
	Close() error
}

// OpenSessionStore returns the store selected by cfg.StoreDriver.
func OpenSessionStore(cfg config.Config) (SessionStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		return OpenSQLiteStore(cfg.SQLitePath)
	case config.StoreDriverJSON, "":
		return NewStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func sortNewestFirst(sessions []domain.SavedSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func newRecord(id, userID string, sc domain.SessionContext, output domain.StructuredResult, transcription string, now func() time.Time) domain.SavedSession {
	ts := now().UTC()
	return domain.SavedSession{
		ID:               id,
		UserID:           userID,
		SessionData:      sc,
		StructuredOutput: output,
		Transcription:    transcription,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
}
