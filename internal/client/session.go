package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/types"
)

var (
	ErrNoToken      = errors.New("no valid session token")
	ErrNotConnected = errors.New("not connected")
)

// TokenSource reports the current session token. ok is false when there is
// no session or it has expired.
type TokenSource interface {
	Token() (token string, ok bool)
}

type TokenFunc func() (string, bool)

func (f TokenFunc) Token() (string, bool) { return f() }

// Session holds a token issued by the identity provider. The signature is
// not checked here, the server does that. Only the identity and expiry are
// read.
type Session struct {
	mu    sync.RWMutex
	token string
	user  types.User
	exp   time.Time
	now   func() time.Time
}

var _ TokenSource = (*Session)(nil)

func NewSession(token string) (*Session, error) {
	s := &Session{now: time.Now}
	if err := s.Set(token); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the session token, for example after a refresh.
func (s *Session) Set(token string) error {
	parsed, _, err := new(jwt.Parser).ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid token claims")
	}

	rawId, _ := claims["user-id"].(string)
	id, err := uuid.Parse(rawId)
	if err != nil {
		return fmt.Errorf("parse user id claim: %w", err)
	}
	username, _ := claims["username"].(string)
	if username == "" {
		return errors.New("missing username claim")
	}

	var exp time.Time
	if v, ok := claims["exp"].(float64); ok {
		exp = time.Unix(int64(v), 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.user = types.User{Id: id, Username: username}
	s.exp = exp
	return nil
}

func (s *Session) User() types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Token returns the token while it has not expired. A token without an exp
// claim never expires.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", false
	}
	if !s.exp.IsZero() && !s.now().Before(s.exp) {
		return "", false
	}
	return s.token, true
}

// Clear ends the session. Later connects fail with ErrNoToken.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.user = types.User{}
	s.exp = time.Time{}
}
