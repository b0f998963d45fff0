// Package httpapi exposes the JSON API over HTTP(S).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"vaporous/internal/account"
	"vaporous/internal/apperr"
	"vaporous/internal/db"
	"vaporous/internal/logging"
	"vaporous/internal/session"
	"vaporous/internal/share"
	"vaporous/internal/storage"
)

const sessionCookie = "vaporous_session"

// Server wires the core services to HTTP routes.
type Server struct {
	Accounts *account.Service
	Store    *storage.Store
	Shares   *share.Manager
	Logger   *slog.Logger

	BindAddr string
	Port     int
	// TLS is enabled when both paths are set.
	CertPath string
	KeyPath  string

	PublicRequiresLogin bool
	MaxUploadBytes      int64
	CompressionLevel    int
	// AdminAllow restricts admin routes to these CIDRs or IPs. Empty allows
	// every address.
	AdminAllow []string

	WebDAVPrefix string
	WebDAV       http.Handler

	// LoginLimit is the number of login and signup attempts per client IP
	// per LoginWindow.
	LoginLimit  int
	LoginWindow time.Duration

	once    sync.Once
	limiter *loginLimiter
	handler http.Handler
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		if s.Logger == nil {
			s.Logger = logging.OrDefault(nil)
		}
		if s.LoginLimit <= 0 {
			s.LoginLimit = 10
		}
		if s.LoginWindow <= 0 {
			s.LoginWindow = time.Minute
		}
		if s.MaxUploadBytes <= 0 {
			s.MaxUploadBytes = 512 << 20
		}
		s.limiter = newLoginLimiter(s.LoginLimit, s.LoginWindow)
		s.handler = s.withRecover(s.withRequestLog(withSecurityHeaders(s.routes())))
	})
	return s.handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", s.withLoginLimit(s.handleLogin))
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("POST /api/signup", s.withLoginLimit(s.handleSignup))

	mux.HandleFunc("GET /api/files", s.withUser(s.handleHomeFiles))
	mux.HandleFunc("GET /api/public", s.withOptionalUser(s.handlePublicFiles))
	mux.HandleFunc("POST /api/files/upload", s.withUser(s.handleUpload))
	mux.HandleFunc("POST /api/files/delete", s.withUser(s.handleDelete))
	mux.HandleFunc("POST /api/files/rename", s.withUser(s.handleRename))
	mux.HandleFunc("POST /api/files/move", s.withUser(s.handleMove))
	mux.HandleFunc("POST /api/files/folder", s.withUser(s.handleNewFolder))

	mux.HandleFunc("POST /api/shares", s.withUser(s.handleCreateShare))
	mux.HandleFunc("GET /api/shares", s.withUser(s.handleListShares))
	mux.HandleFunc("DELETE /api/shares/{id}", s.withUser(s.handleDeleteShare))

	mux.HandleFunc("GET /s/{id}", s.withOptionalUser(s.handleShareGet(false)))
	mux.HandleFunc("GET /s/{id}/{path...}", s.withOptionalUser(s.handleShareGet(false)))
	mux.HandleFunc("GET /collab/{id}", s.withOptionalUser(s.handleShareGet(true)))
	mux.HandleFunc("GET /collab/{id}/{path...}", s.withOptionalUser(s.handleShareGet(true)))
	mux.HandleFunc("POST /collab/{id}/upload", s.withOptionalUser(s.handleCollabUpload))
	mux.HandleFunc("POST /collab/{id}/{op}", s.withOptionalUser(s.handleCollabOp))

	mux.HandleFunc("POST /api/account/password", s.withUser(s.handleChangePassword))
	mux.HandleFunc("POST /api/account/password/add", s.withUser(s.handleAddPassword))
	mux.HandleFunc("POST /api/account/password/remove", s.withUser(s.handleRemovePassword))
	mux.HandleFunc("POST /api/account/username", s.withUser(s.handleChangeUsername))
	mux.HandleFunc("GET /api/account/keys", s.withUser(s.handleListKeys))
	mux.HandleFunc("POST /api/account/keys", s.withUser(s.handleAddKey))
	mux.HandleFunc("DELETE /api/account/keys/{fingerprint...}", s.withUser(s.handleRemoveKey))

	mux.HandleFunc("GET /api/admin/users", s.withAdmin(s.handleAdminListUsers))
	mux.HandleFunc("POST /api/admin/users", s.withAdmin(s.handleAdminAddUser))
	mux.HandleFunc("DELETE /api/admin/users/{username}", s.withAdmin(s.handleAdminRemoveUser))
	mux.HandleFunc("POST /api/admin/users/{username}/level", s.withAdmin(s.handleAdminSetLevel))
	mux.HandleFunc("POST /api/admin/users/{username}/password", s.withAdmin(s.handleAdminSetPassword))

	if s.WebDAV != nil && s.WebDAVPrefix != "" {
		prefix := "/" + strings.Trim(s.WebDAVPrefix, "/")
		mux.Handle(prefix+"/", s.WebDAV)
		mux.Handle(prefix, s.WebDAV)
	}
	return mux
}

// ListenAndServe runs the server until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Accounts == nil || s.Store == nil || s.Shares == nil {
		return errors.New("accounts, store and shares are required")
	}
	h := s.Handler()
	defer s.limiter.Stop()

	httpServer := &http.Server{
		Addr:              s.BindAddr + ":" + strconv.Itoa(s.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.CertPath != "" && s.KeyPath != "" {
			errCh <- httpServer.ListenAndServeTLS(s.CertPath, s.KeyPath)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutCtx)
	}
}

type ctxKey string

const ctxSession ctxKey = "session"

// sessionFrom returns the request's session, or nil for anonymous visitors.
func sessionFrom(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(ctxSession).(*session.Session)
	return sess
}

func (s *Server) lookupSession(r *http.Request) (*session.Session, bool) {
	tok, ok := readSessionCookie(r)
	if !ok {
		return nil, false
	}
	sess, ok := s.Accounts.Sessions().Lookup(tok)
	if !ok {
		return nil, false
	}
	return &sess, true
}

func (s *Server) withUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.lookupSession(r)
		if !ok {
			clearSessionCookie(w)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
			return
		}
		noteUser(w, sess.Username)
		next(w, r.WithContext(context.WithValue(r.Context(), ctxSession, sess)))
	}
}

func (s *Server) withOptionalUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := s.lookupSession(r); ok {
			noteUser(w, sess.Username)
			r = r.WithContext(context.WithValue(r.Context(), ctxSession, sess))
		}
		next(w, r)
	}
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.withUser(func(w http.ResponseWriter, r *http.Request) {
		if !isAdminAllowedByIP(s.AdminAllow, r) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		if sessionFrom(r).AccessLevel < db.AdminLevel {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "access level insufficient"})
			return
		}
		next(w, r)
	})
}

func (s *Server) withLoginLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := s.limiter.Allow(clientIP(r)); !ok {
			w.Header().Set("retry-after", retryAfterSeconds(wait))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many attempts"})
			return
		}
		next(w, r)
	}
}

// statusFor maps a classified error to its HTTP status.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, share.ErrLoginRequired) {
		return http.StatusUnauthorized
	}
	switch apperr.Kind(err) {
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrConflict:
		return http.StatusConflict
	case apperr.ErrForbidden:
		return http.StatusForbidden
	case apperr.ErrInvalidInput:
		return http.StatusBadRequest
	}
	if db.IsBusy(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type resultBody struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (s *Server) writeResult(w http.ResponseWriter, res apperr.Result) {
	status := statusFor(res.Err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed", "err", res.Err)
	}
	writeJSON(w, status, resultBody{OK: res.OK, Message: res.Message})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeResult(w, apperr.FromError(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func readSessionCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-content-type-options", "nosniff")
		w.Header().Set("x-frame-options", "DENY")
		w.Header().Set("referrer-policy", "no-referrer")
		w.Header().Set("content-security-policy", "default-src 'self'; object-src 'none'; base-uri 'self'; frame-ancestors 'none'")
		if r.TLS != nil {
			w.Header().Set("strict-transport-security", "max-age=31536000")
		}
		next.ServeHTTP(w, r)
	})
}
