package server

import (
	"context"
	"sync"
	"time"
)

type conversation struct {
	touched   time.Time
	sessionID string
}

// Arena remembers the last session id of each conversation so a
// reconnecting client resumes where it left off. Idle conversations are
// forgotten after the TTL.
type Arena struct {
	now           func() time.Time
	conversations map[string]*conversation
	ttl           time.Duration
	mu            sync.Mutex
}

// NewArena returns an arena whose entries expire after ttl of inactivity.
// A zero ttl never expires entries.
func NewArena(ttl time.Duration) *Arena {
	return &Arena{
		now:           time.Now,
		conversations: make(map[string]*conversation),
		ttl:           ttl,
	}
}

// Touch records activity on id, creating it if needed.
func (a *Arena) Touch(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.conversations[id]
	if !ok {
		c = &conversation{}
		a.conversations[id] = c
	}
	c.touched = a.now()
}

// Exists reports whether id is a live conversation.
func (a *Arena) Exists(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.conversations[id]
	return ok
}

// SessionID returns the last session id recorded for id.
func (a *Arena) SessionID(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.conversations[id]; ok {
		return c.sessionID
	}
	return ""
}

// SetSessionID records sessionID for id. Empty ids are ignored.
func (a *Arena) SetSessionID(id, sessionID string) {
	if id == "" || sessionID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.conversations[id]
	if !ok {
		c = &conversation{}
		a.conversations[id] = c
	}
	c.sessionID = sessionID
	c.touched = a.now()
}

// Len returns the number of live conversations.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conversations)
}

// Sweep drops conversations idle longer than the TTL and returns how
// many were removed.
func (a *Arena) Sweep() int {
	if a.ttl <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.ttl)
	n := 0
	for id, c := range a.conversations {
		if c.touched.Before(cutoff) {
			delete(a.conversations, id)
			n++
		}
	}
	return n
}

// RunSweeper sweeps every interval until ctx is done.
func (a *Arena) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}
