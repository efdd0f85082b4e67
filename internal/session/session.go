// Package session tracks the signed-in user.
//
// Everything the sync layer caches belongs to the current user, so Logout
// releases listeners (through registered hooks) and then wipes the local
// store, leaving nothing behind for the next user of the device.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/penpalsync/penpalsync/internal/analytics"
)

// ErrEmptyUser is returned when a blank user id is supplied.
var ErrEmptyUser = errors.New("empty user id")

// TokenVerifier verifies an ID token and returns the user it was issued to.
// Implemented by [FirebaseVerifier].
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (string, error)
}

// Clearer wipes the local cache.
// Implemented by [localstore.Store].
type Clearer interface {
	ClearAll(ctx context.Context) error
}

// Events receives analytics events.
// Implemented by [analytics.Recorder].
type Events interface {
	Log(ctx context.Context, event string, attrs ...otellog.KeyValue)
}

// Hook runs on logout, before the local store is cleared.
type Hook func(ctx context.Context) error

// Session is the authentication capability. The zero value is not usable;
// call [New].
type Session struct {
	verifier TokenVerifier
	local    Clearer
	events   Events
	log      *slog.Logger

	mu    sync.Mutex
	uid   string
	hooks []Hook
}

// New creates a signed-out session. verifier may be nil when only
// [Session.SetUser] is used.
func New(verifier TokenVerifier, local Clearer, events Events, logger *slog.Logger) *Session {
	return &Session{
		verifier: verifier,
		local:    local,
		events:   events,
		log:      logger,
	}
}

// CurrentUserID returns the signed-in user, if any.
func (s *Session) CurrentUserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid, s.uid != ""
}

// SetUser signs in uid without verification. For trusted callers only.
func (s *Session) SetUser(uid string) error {
	if uid == "" {
		return ErrEmptyUser
	}
	s.mu.Lock()
	prev := s.uid
	s.uid = uid
	s.mu.Unlock()

	if prev != "" && prev != uid {
		s.log.Warn("switching user without logout", "from", prev, "to", uid)
	}
	s.log.Info("signed in", "user_id", uid)
	return nil
}

// Login verifies idToken and signs in the user it belongs to.
func (s *Session) Login(ctx context.Context, idToken string) (string, error) {
	if s.verifier == nil {
		return "", errors.New("no token verifier configured")
	}
	uid, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		return "", fmt.Errorf("verifying ID token: %w", err)
	}
	if err := s.SetUser(uid); err != nil {
		return "", err
	}
	return uid, nil
}

// OnLogout registers a hook to run on every logout.
func (s *Session) OnLogout(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Logout signs out, runs the logout hooks and clears the local store. The
// store is cleared even if a hook fails; all failures are returned joined.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	uid := s.uid
	s.uid = ""
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logout hook: %w", err))
		}
	}
	if err := s.local.ClearAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing local store: %w", err))
	}

	s.events.Log(ctx, analytics.SessionLogout, otellog.String("user.id", uid))
	s.log.Info("signed out", "user_id", uid, "errors", len(errs))
	return errors.Join(errs...)
}
