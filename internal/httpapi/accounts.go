package httpapi

import (
	"net/http"
	"strings"

	"vaporous/internal/account"
	"vaporous/internal/apperr"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Confirm  string `json:"confirm"`
	Passcode string `json:"passcode"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing credentials"})
		return
	}
	tok, ok := s.Accounts.Login(r.Context(), req.Username, req.Password)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	setSessionCookie(w, r, tok, s.Accounts.Sessions().TTL())
	writeJSON(w, http.StatusOK, resultBody{OK: true, Message: "Logged in"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if tok, ok := readSessionCookie(r); ok {
		s.Accounts.Sessions().Invalidate(tok)
	}
	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, resultBody{OK: true, Message: "Logged out"})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.Accounts.EnrollmentEnabled() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "enrollment disabled"})
		return
	}
	var req credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, res := s.Accounts.Enroll(r.Context(), req.Username, req.Password, req.Confirm, req.Passcode); !res.OK {
		s.writeResult(w, res)
		return
	}
	tok, ok := s.Accounts.Login(r.Context(), req.Username, req.Password)
	if !ok {
		s.writeResult(w, apperr.Fail(apperr.ErrInconsistent, "Account created, but login failed"))
		return
	}
	setSessionCookie(w, r, tok, s.Accounts.Sessions().TTL())
	writeJSON(w, http.StatusOK, resultBody{OK: true, Message: "Account created"})
}

type passwordChange struct {
	Password    string  `json:"password"`
	OldPassword *string `json:"old_password"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordChange
	if !decodeJSON(w, r, &req) {
		return
	}
	old := req.OldPassword
	if old == nil {
		// Users must always prove the current password here.
		empty := ""
		old = &empty
	}
	s.writeResult(w, s.Accounts.ChangePassword(r.Context(), sessionFrom(r).Username, req.Password, old))
}

func (s *Server) handleAddPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordChange
	if !decodeJSON(w, r, &req) {
		return
	}
	s.writeResult(w, s.Accounts.AddPassword(r.Context(), sessionFrom(r).Username, req.Password))
}

func (s *Server) handleRemovePassword(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.Accounts.RemovePassword(r.Context(), sessionFrom(r).Username))
}

func (s *Server) handleChangeUsername(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.writeResult(w, s.Accounts.ChangeUsername(r.Context(), sessionFrom(r).Username, req.Username))
}

type keyItem struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Accounts.ListPublicKeys(r.Context(), sessionFrom(r).Username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]keyItem, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyItem{Name: k.Name, Fingerprint: k.Fingerprint, CreatedAt: k.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
		Name      string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.writeResult(w, s.Accounts.AddPublicKey(r.Context(), sessionFrom(r).Username, req.PublicKey, req.Name))
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.Accounts.RemovePublicKey(r.Context(), sessionFrom(r).Username, r.PathValue("fingerprint")))
}

type userItem struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	AccessLevel int    `json:"access_level"`
	HasPassword bool   `json:"has_password"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Accounts.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]userItem, 0, len(users))
	for _, u := range users {
		out = append(out, userItem{
			ID:          u.ID,
			Username:    u.Username,
			AccessLevel: u.AccessLevel,
			HasPassword: u.PassHash != nil,
			CreatedAt:   u.CreatedAt,
			UpdatedAt:   u.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (s *Server) handleAdminAddUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		PublicKey   string `json:"public_key"`
		KeyName     string `json:"key_name"`
		AccessLevel int    `json:"access_level"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id, res := s.Accounts.AddUser(r.Context(), account.NewUser{
		Username:      strings.TrimSpace(req.Username),
		Password:      req.Password,
		AuthorizedKey: req.PublicKey,
		KeyName:       req.KeyName,
		AccessLevel:   req.AccessLevel,
	})
	if !res.OK {
		s.writeResult(w, res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": res.Message, "id": id})
}

func (s *Server) handleAdminRemoveUser(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.Accounts.RemoveUser(r.Context(), r.PathValue("username")))
}

func (s *Server) handleAdminSetLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessLevel int `json:"access_level"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.writeResult(w, s.Accounts.ChangeAccessLevel(r.Context(), r.PathValue("username"), req.AccessLevel))
}

func (s *Server) handleAdminSetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordChange
	if !decodeJSON(w, r, &req) {
		return
	}
	s.writeResult(w, s.Accounts.ChangePassword(r.Context(), r.PathValue("username"), req.Password, nil))
}
