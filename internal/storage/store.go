package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"braindump/internal/domain"
)

type metaData struct {
	Sessions map[string]domain.SavedSession `json:"sessions"`
}

// Store is a SessionStore backed by a single JSON file.
type Store struct {
	mu   sync.RWMutex
	path string
	data metaData
	now  func() time.Time
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store := &Store{path: filepath.Join(baseDir, "sessions.json"), now: time.Now}
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = metaData{Sessions: map[string]domain.SavedSession{}}

	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("open sessions file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			return s.saveLocked()
		}
		return fmt.Errorf("decode sessions file: %w", err)
	}

	if s.data.Sessions == nil {
		s.data.Sessions = map[string]domain.SavedSession{}
	}
	return nil
}

func (s *Store) SaveSession(ctx context.Context, userID string, sc domain.SessionContext, output domain.StructuredResult, transcription string) (domain.SavedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.SavedSession{}, err
	}

	record := newRecord(uuid.NewString(), userID, sc, output, transcription, s.now)
	s.data.Sessions[record.ID] = record

	if err := s.saveLocked(); err != nil {
		delete(s.data.Sessions, record.ID)
		return domain.SavedSession{}, err
	}

	return record, nil
}

func (s *Store) ListSessions(_ context.Context, userID string) ([]domain.SavedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.SavedSession, 0)
	for _, session := range s.data.Sessions {
		if session.UserID == userID {
			sessions = append(sessions, session)
		}
	}
	sortNewestFirst(sessions)
	return sessions, nil
}

func (s *Store) GetSession(_ context.Context, userID, id string) (domain.SavedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.data.Sessions[id]
	if !ok || session.UserID != userID {
		return domain.SavedSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, nil
}

func (s *Store) DeleteSession(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok || session.UserID != userID {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	delete(s.data.Sessions, id)

	if err := s.saveLocked(); err != nil {
		s.data.Sessions[id] = session
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) saveLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp sessions file: %w", err)
	}

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode sessions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp sessions file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace sessions file: %w", err)
	}

	return nil
}
