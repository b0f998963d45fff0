package httpapi

import (
	"net/http"
	"strings"
	"time"

	"vaporous/internal/db"
	"vaporous/internal/share"
	"vaporous/internal/storage"
)

type createShareRequest struct {
	Path            string     `json:"path"`
	Expires         *time.Time `json:"expires"`
	AnonymousAccess *bool      `json:"anonymous_access"`
	Collaborative   bool       `json:"collaborative"`
	Whitelist       []string   `json:"whitelist"`
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	opt := share.DefaultCreateOptions()
	opt.Expires = req.Expires
	if req.AnonymousAccess != nil {
		opt.AnonymousAccess = *req.AnonymousAccess
	}
	opt.Collaborative = req.Collaborative
	opt.Whitelist = req.Whitelist

	id, res := s.Shares.Create(r.Context(), sessionFrom(r).UserID, req.Path, opt)
	if !res.OK {
		s.writeResult(w, res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": res.Message, "id": id})
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.Shares.List(r.Context(), sessionFrom(r).UserID, r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": shares})
}

func (s *Server) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.Shares.Delete(r.Context(), r.PathValue("id"), sessionFrom(r).UserID))
}

// openShare resolves and authorizes the share named in the route.
func (s *Server) openShare(w http.ResponseWriter, r *http.Request) (db.Share, bool) {
	sh, err := s.Shares.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return db.Share{}, false
	}
	if err := s.Shares.Authorize(sh, sessionFrom(r)); err != nil {
		s.writeError(w, err)
		return db.Share{}, false
	}
	return sh, true
}

func (s *Server) handleShareGet(collab bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sh, err := s.Shares.Resolve(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if s.Shares.Redirect(sh, collab) {
			http.Redirect(w, r, sharePath(sh, r.PathValue("path"))+queryOf(r), http.StatusFound)
			return
		}
		if err := s.Shares.Authorize(sh, sessionFrom(r)); err != nil {
			s.writeError(w, err)
			return
		}
		info := &shareInfo{ID: sh.ID, Collaborative: sh.Collaborative}
		s.serveTree(w, r, sh.Path, r.PathValue("path"), storage.NoPublicAccess, info)
	}
}

// sharePath is the canonical route for sh.
func sharePath(sh db.Share, sub string) string {
	prefix := "/s/"
	if sh.Collaborative {
		prefix = "/collab/"
	}
	p := prefix + sh.ID
	if sub = strings.Trim(sub, "/"); sub != "" {
		p += "/" + sub
	}
	return p
}

func queryOf(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

// openCollab is openShare plus the write check.
func (s *Server) openCollab(w http.ResponseWriter, r *http.Request) (db.Share, bool) {
	sh, ok := s.openShare(w, r)
	if !ok {
		return sh, false
	}
	if err := s.Shares.CanWrite(sh, sessionFrom(r)); err != nil {
		s.writeError(w, err)
		return sh, false
	}
	return sh, true
}

func (s *Server) handleCollabUpload(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.openCollab(w, r)
	if !ok {
		return
	}
	files, cleanup, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()
	s.writeUploadResults(w, s.Store.Upload(sh.Path, r.FormValue("path"), files, s.CompressionLevel))
}

func (s *Server) handleCollabOp(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.openCollab(w, r)
	if !ok {
		return
	}
	var req fileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	switch r.PathValue("op") {
	case "delete":
		s.writeResult(w, s.Store.Delete(ctx, sh.Path, req.Path))
	case "rename":
		s.writeResult(w, s.Store.Rename(ctx, sh.Path, req.Path, req.Name))
	case "move":
		s.writeResult(w, s.Store.Move(ctx, sh.Path, sh.Path, req.Path, req.To))
	case "folder":
		s.writeResult(w, s.Store.NewFolder(sh.Path, req.Path, req.Name))
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown operation"})
	}
}
