package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/types"
)

const (
	tokenCookieKey = "token"
	tokenQueryKey  = "token"
)

const (
	userIdClaim   = "user-id"
	usernameClaim = "username"
	expClaim      = "exp"
)

var errNoToken = errors.New("no token in request")

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user stored by the auth middleware.
func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}

// tokenFromRequest looks for a session token in the cookie, the
// Authorization header and finally the query string. Browsers cannot set
// headers on websocket upgrades, hence the query fallback.
func tokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value, nil
	}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && token != "" {
			return token, nil
		}
	}

	if t := r.URL.Query().Get(tokenQueryKey); t != "" {
		return t, nil
	}

	return "", errNoToken
}

// IssueToken signs a session token for user. The identity provider normally
// issues these. The server binary exposes it for local development.
func IssueToken(signingKey []byte, user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   user.Id.String(),
		usernameClaim: user.Username,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

func (s *GoChatApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func (s *GoChatApp) userFromToken(tokenString string) (types.User, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.User{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid token claims")
	}

	rawId, ok := claims[userIdClaim].(string)
	if !ok {
		return types.User{}, fmt.Errorf("invalid user id claim")
	}
	id, err := uuid.Parse(rawId)
	if err != nil {
		return types.User{}, fmt.Errorf("parse user id claim: %w", err)
	}

	username, _ := claims[usernameClaim].(string)
	if username == "" {
		return types.User{}, fmt.Errorf("invalid username claim")
	}

	return types.User{Id: id, Username: username}, nil
}
