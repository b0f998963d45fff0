// Package session holds the in-memory table of logged-in users.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vaporous/internal/apperr"
	"vaporous/internal/auth"
	"vaporous/internal/db"
	"vaporous/internal/logging"
)

const (
	DefaultTTL           = 72 * time.Hour
	DefaultSweepInterval = 10 * time.Hour

	tokenBytes = 16
)

// Session is a snapshot of the user taken at login. AccessLevel changes only
// through the cascade methods.
type Session struct {
	ID          string
	Username    string
	UserID      string
	AccessLevel int
	Expires     time.Time
}

// UserLookup resolves a username to its stored record.
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*db.User, bool, error)
}

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Manager owns the session table.
type Manager struct {
	users UserLookup
	ttl   time.Duration
	every time.Duration
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]Session

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func New(users UserLookup, opt Options) *Manager {
	if opt.TTL <= 0 {
		opt.TTL = DefaultTTL
	}
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = DefaultSweepInterval
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Manager{
		users:    users,
		ttl:      opt.TTL,
		every:    opt.SweepInterval,
		log:      logging.OrDefault(opt.Logger),
		now:      opt.Now,
		sessions: make(map[string]Session),
	}
}

// TTL is the lifetime given to new sessions.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create logs username in and returns the new session id. With
// invalidatePrevious every other session of the user is dropped first.
func (m *Manager) Create(ctx context.Context, username string, invalidatePrevious bool) (string, error) {
	u, ok, err := m.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no such user", apperr.ErrNotFound)
	}
	id, err := auth.NewToken(tokenBytes)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if invalidatePrevious {
		m.dropLocked(func(s Session) bool { return s.Username == u.Username })
	}
	m.sessions[id] = Session{
		ID:          id,
		Username:    u.Username,
		UserID:      u.ID,
		AccessLevel: u.AccessLevel,
		Expires:     m.now().Add(m.ttl),
	}
	return id, nil
}

// Lookup returns the live session for id. An expired entry is removed.
func (m *Manager) Lookup(id string) (Session, bool) {
	if id == "" {
		return Session{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	if !m.now().Before(s.Expires) {
		delete(m.sessions, id)
		return Session{}, false
	}
	return s, true
}

// Invalidate drops id. Unknown ids are ignored.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sweep removes every expired session and returns how many went.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	n := m.dropLocked(func(s Session) bool { return !now.Before(s.Expires) })
	m.mu.Unlock()
	m.log.Debug("session sweep", "removed", n)
	return n
}

// RenameUser moves live sessions from old to new.
func (m *Manager) RenameUser(old, new string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Username == old {
			s.Username = new
			m.sessions[id] = s
			n++
		}
	}
	return n
}

// SetAccessLevel updates the level snapshot of username's sessions.
func (m *Manager) SetAccessLevel(username string, level int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Username == username {
			s.AccessLevel = level
			m.sessions[id] = s
			n++
		}
	}
	return n
}

// DropUser removes all of username's sessions.
func (m *Manager) DropUser(username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropLocked(func(s Session) bool { return s.Username == username })
}

// Count returns the number of stored sessions, expired or not.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) dropLocked(match func(Session) bool) int {
	n := 0
	for id, s := range m.sessions {
		if match(s) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Start runs Sweep on a ticker until ctx ends or Stop is called. Calling
// Start on a running manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.sweepLoop(ctx, m.stopCh, m.done)
}

// Stop ends the sweep loop and waits for it. Stop is idempotent.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.done
	m.stopCh, m.done = nil, nil
}

func (m *Manager) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
