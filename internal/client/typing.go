package client

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type typingKey struct {
	roomId uuid.UUID
	userId uuid.UUID
}

type Typer struct {
	UserId   uuid.UUID
	Username string
	Since    time.Time
}

// TypingTracker records who is typing in which room.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[typingKey]Typer
	now     func() time.Time
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		entries: make(map[typingKey]Typer),
		now:     time.Now,
	}
}

func (t *TypingTracker) Set(roomId, userId uuid.UUID, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[typingKey{roomId, userId}] = Typer{UserId: userId, Username: username, Since: t.now()}
}

func (t *TypingTracker) Clear(roomId, userId uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, typingKey{roomId, userId})
}

func (t *TypingTracker) ClearRoom(roomId uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.roomId == roomId {
			delete(t.entries, k)
		}
	}
}

// Typers lists the users typing in a room ordered by username.
func (t *TypingTracker) Typers(roomId uuid.UUID) []Typer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Typer
	for k, v := range t.entries {
		if k.roomId == roomId {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b Typer) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out
}

// Prune drops entries older than maxAge and returns how many went away.
// Clients that stop typing without saying so age out this way.
func (t *TypingTracker) Prune(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	n := 0
	for k, v := range t.entries {
		if v.Since.Before(cutoff) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}
