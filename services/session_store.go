package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"circuitpanel/models"

	"go.uber.org/zap"
)

// SessionStore persists the session token and user id to a local JSON file
// so a login survives process restarts. The user id is stored as a string,
// matching the backend's key-value contract.
type SessionStore struct {
	path   string
	logger *zap.Logger
}

type sessionFile struct {
	Token string `json:"token"`
	User  string `json:"user"`
}

func NewSessionStore(path string, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		path:   path,
		logger: logger,
	}
}

// Load reads the persisted session. A missing or corrupt file means
// logged-out: it returns (nil, nil) and logs, never an error the caller
// must handle.
func (s *SessionStore) Load() (*models.Session, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read session file",
				zap.String("path", s.path),
				zap.Error(err))
		}
		return nil, nil
	}

	var sf sessionFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		s.logger.Warn("Session file is corrupt, treating as logged out",
			zap.String("path", s.path),
			zap.Error(err))
		return nil, nil
	}
	if sf.Token == "" || sf.User == "" {
		return nil, nil
	}

	userID, err := strconv.Atoi(sf.User)
	if err != nil {
		s.logger.Warn("Session file has a non-numeric user id, treating as logged out",
			zap.String("path", s.path),
			zap.String("user", sf.User))
		return nil, nil
	}

	return &models.Session{Token: sf.Token, UserID: userID}, nil
}

// Save writes the session atomically (temp file + rename).
func (s *SessionStore) Save(session *models.Session) error {
	if session == nil {
		return fmt.Errorf("cannot save a nil session")
	}

	raw, err := json.Marshal(sessionFile{
		Token: session.Token,
		User:  strconv.Itoa(session.UserID),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	return nil
}

// Clear removes the persisted session. Removing an absent file is not an
// error.
func (s *SessionStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
