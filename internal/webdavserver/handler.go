package webdavserver

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/webdav"

	"vaporous/internal/account"
	"vaporous/internal/jailfs"
)

const realm = `Basic realm="Vaporous WebDAV"`

// Handler serves each authenticated user their home directory.
type Handler struct {
	Accounts  *account.Service
	UploadDir string
	Index     jailfs.Observer
	Prefix    string
	Logger    *slog.Logger

	mu  sync.Mutex
	lss map[string]webdav.LockSystem
}

// lockSystem returns the lock table for one user. Homes are separate
// filesystems, so a lock on "/a.txt" must only bind its owner.
func (h *Handler) lockSystem(userID string) webdav.LockSystem {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lss == nil {
		h.lss = make(map[string]webdav.LockSystem)
	}
	ls, ok := h.lss[userID]
	if !ok {
		ls = webdav.NewMemLS()
		h.lss[userID] = ls
	}
	return ls
}

// Forget drops the lock table of a removed user.
func (h *Handler) Forget(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lss, userID)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lg := h.Logger
	if lg == nil {
		lg = slog.Default()
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		unauthorized(w)
		return
	}
	u, ok := h.Accounts.Authenticate(r.Context(), username, password)
	if !ok {
		lg.Debug("webdav auth failed", "user", username)
		unauthorized(w)
		return
	}

	lg.Debug("webdav authenticated", "user", u.Username, "method", r.Method, "path", r.URL.Path)

	dav := &webdav.Handler{
		Prefix:     strings.TrimSuffix(h.Prefix, "/"),
		FileSystem: NewJailFS(jailfs.New(h.UploadDir, u.ID, h.Index)),
		LockSystem: h.lockSystem(u.ID),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				lg.Warn("webdav request error", "user", u.Username, "method", r.Method, "path", r.URL.Path, "err", err.Error())
			}
		},
	}
	dav.ServeHTTP(w, r)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", realm)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
