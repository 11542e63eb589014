package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/rooms/internal/session"
)

// ErrUnauthenticated is wrapped by every error that means "refuse this
// credential". Other errors from Verify are infrastructure failures.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

var (
	ErrSessionInactive = errors.New("auth: session is not active")
	ErrSessionMismatch = errors.New("auth: session belongs to another user")
)

// Principal is the authenticated identity bound to a connection.
type Principal struct {
	UserID    string
	SessionID string
}

// SessionStore is the active-session lookup used by Verifier. Get returns
// nil, nil for unknown sessions.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
}

// Verifier validates bearer tokens against the server secret and the
// active-session store.
type Verifier struct {
	secret   []byte
	sessions SessionStore
	now      func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(secret []byte, sessions SessionStore) *Verifier {
	return &Verifier{secret: secret, sessions: sessions, now: time.Now}
}

// Verify resolves token to a Principal. Credential problems are returned
// wrapped in ErrUnauthenticated; a session store failure is returned as is.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrMalformedToken)
	}

	claims, err := Parse(v.secret, token, v.now())
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	sess, err := v.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: session lookup: %w", err)
	}
	if sess == nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrSessionInactive)
	}
	if sess.UserID != claims.UserID {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrSessionMismatch)
	}

	return Principal{UserID: claims.UserID, SessionID: claims.SessionID}, nil
}
