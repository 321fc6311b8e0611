package services

import (
	"sync"

	"circuitpanel/models"

	"go.uber.org/zap"
)

// AuthAPI is the slice of the backend client the auth service needs.
type AuthAPI interface {
	Login(username, password string) (*models.Session, *models.Failure)
}

// AuthService owns the login/logout lifecycle and the current session.
// It is constructed once and passed by handle to whoever needs auth state;
// there is no ambient global.
type AuthService struct {
	api    AuthAPI
	store  *SessionStore
	logger *zap.Logger

	restoreOnce sync.Once

	mu        sync.RWMutex
	session   *models.Session
	restoring bool
}

func NewAuthService(api AuthAPI, store *SessionStore, logger *zap.Logger) *AuthService {
	return &AuthService{
		api:       api,
		store:     store,
		logger:    logger,
		restoring: true,
	}
}

// Restore adopts a persisted session if one exists. It runs exactly once
// per process; later calls are no-ops. It must complete before any device
// I/O is attempted.
func (a *AuthService) Restore() {
	a.restoreOnce.Do(func() {
		session, err := a.store.Load()
		if err != nil {
			a.logger.Warn("Session restore failed", zap.Error(err))
		}

		a.mu.Lock()
		a.session = session
		a.restoring = false
		a.mu.Unlock()

		if session != nil {
			a.logger.Info("Session restored", zap.Int("user_id", session.UserID))
		} else {
			a.logger.Info("No persisted session, starting logged out")
		}
	})
}

// Login authenticates against the backend. On success the session is
// persisted and adopted. On rejection or transport failure it returns false
// with a user-facing message and leaves any prior session untouched.
func (a *AuthService) Login(username, password string) (bool, string) {
	session, fail := a.api.Login(username, password)
	if fail != nil {
		a.logger.Warn("Login failed",
			zap.String("username", username),
			zap.String("kind", string(fail.Kind)),
			zap.String("message", fail.Message))
		return false, fail.Message
	}

	if err := a.store.Save(session); err != nil {
		// The session still works for this process; persistence is best
		// effort once the backend accepted the credentials.
		a.logger.Warn("Failed to persist session", zap.Error(err))
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.logger.Info("Login successful", zap.Int("user_id", session.UserID))
	return true, ""
}

// Logout clears the persisted and in-memory session. The in-memory session
// is cleared even when removing the file fails: failure leans toward
// logged out.
func (a *AuthService) Logout() {
	if err := a.store.Clear(); err != nil {
		a.logger.Error("Failed to clear persisted session", zap.Error(err))
	}

	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()

	a.logger.Info("Logged out")
}

func (a *AuthService) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session != nil
}

// UserID returns the current user id, or 0 when logged out.
func (a *AuthService) UserID() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return 0
	}
	return a.session.UserID
}

// Token returns the current bearer token, or "" when logged out.
func (a *AuthService) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return ""
	}
	return a.session.Token
}

func (a *AuthService) Restoring() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.restoring
}
