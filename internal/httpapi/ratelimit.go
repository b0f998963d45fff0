package httpapi

import (
	"sync"
	"time"
)

// attempts is one client's count inside the current window.
type attempts struct {
	n    int
	ends time.Time
}

// loginLimiter throttles credential attempts (login and sign-up) per client
// address using fixed windows. Expired windows are pruned in the background.
type loginLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	clients map[string]*attempts
	now     func() time.Time
	stop    sync.Once
	done    chan struct{}
}

func newLoginLimiter(limit int, window time.Duration) *loginLimiter {
	l := &loginLimiter{
		window:  window,
		limit:   limit,
		clients: make(map[string]*attempts),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.pruneLoop()
	return l
}

// Allow counts one attempt from client. Past the limit it returns false and
// how long until the window resets.
func (l *loginLimiter) Allow(client string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.clients[client]
	if a == nil || !now.Before(a.ends) {
		a = &attempts{ends: now.Add(l.window)}
		l.clients[client] = a
	}
	a.n++
	if a.n <= l.limit {
		return true, 0
	}
	return false, a.ends.Sub(now)
}

func (l *loginLimiter) pruneLoop() {
	ticker := time.NewTicker(max(l.window, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.prune()
		case <-l.done:
			return
		}
	}
}

// prune drops finished windows and returns how many went.
func (l *loginLimiter) prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for client, a := range l.clients {
		if !now.Before(a.ends) {
			delete(l.clients, client)
			n++
		}
	}
	return n
}

// Stop ends the prune loop. It is safe to call more than once.
func (l *loginLimiter) Stop() {
	l.stop.Do(func() { close(l.done) })
}
