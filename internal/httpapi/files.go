package httpapi

import (
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"vaporous/internal/apperr"
	"vaporous/internal/session"
	"vaporous/internal/storage"
)

type fileRequest struct {
	Path     string `json:"path"`
	Public   bool   `json:"public"`
	Name     string `json:"name"`
	To       string `json:"to"`
	ToPublic bool   `json:"to_public"`
}

type listing struct {
	Path    string          `json:"path"`
	Entries []storage.Entry `json:"entries"`
	Share   *shareInfo      `json:"share,omitempty"`
}

type shareInfo struct {
	ID            string `json:"id"`
	Collaborative bool   `json:"collaborative"`
}

type embed struct {
	Name  string `json:"name"`
	Embed string `json:"embed"`
}

var (
	publicDisabled = apperr.Fail(apperr.ErrNotFound, "There is no public folder")
	publicDenied   = apperr.Fail(apperr.ErrForbidden, "Access level insufficient")
)

// serveTree lists the directory p under base, or serves it when it is a
// file. Videos answer with an embed reference unless raw=1.
func (s *Server) serveTree(w http.ResponseWriter, r *http.Request, base, p string, level int, info *shareInfo) {
	entries, found, err := s.Store.List(base, p, level)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found {
		writeJSON(w, http.StatusOK, listing{Path: "/" + strings.Trim(p, "/"), Entries: entries, Share: info})
		return
	}

	f, st, found, err := s.Store.Open(base, p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, resultBody{Message: "File or folder does not exist"})
		return
	}
	defer f.Close()

	if storage.IsVideo(st.Name()) && r.URL.Query().Get("raw") != "1" {
		q := r.URL.Query()
		q.Set("raw", "1")
		u := *r.URL
		u.RawQuery = q.Encode()
		writeJSON(w, http.StatusOK, embed{Name: st.Name(), Embed: u.RequestURI()})
		return
	}
	w.Header().Set("content-disposition", "inline; filename=\""+escapeQuotes(st.Name())+"\"")
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) handleHomeFiles(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	s.serveTree(w, r, sess.UserID, r.URL.Query().Get("path"), sess.AccessLevel, nil)
}

func (s *Server) handlePublicFiles(w http.ResponseWriter, r *http.Request) {
	if s.Store.PublicBase() == "" {
		s.writeResult(w, publicDisabled)
		return
	}
	level := -1
	if sess := sessionFrom(r); sess != nil {
		if sess.AccessLevel < s.Store.PublicAccessLevel() {
			s.writeResult(w, publicDenied)
			return
		}
		level = sess.AccessLevel
	} else if s.PublicRequiresLogin {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}
	s.serveTree(w, r, s.Store.PublicBase(), r.URL.Query().Get("path"), level, nil)
}

// baseFor picks the caller's home or the public folder.
func (s *Server) baseFor(sess *session.Session, public bool) (string, apperr.Result, bool) {
	if !public {
		return sess.UserID, apperr.Result{}, true
	}
	if s.Store.PublicBase() == "" {
		return "", publicDisabled, false
	}
	if sess.AccessLevel < s.Store.PublicAccessLevel() {
		return "", publicDenied, false
	}
	return s.Store.PublicBase(), apperr.Result{}, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	files, cleanup, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()
	base, res, ok := s.baseFor(sessionFrom(r), r.FormValue("public") == "true")
	if !ok {
		s.writeResult(w, res)
		return
	}
	s.writeUploadResults(w, s.Store.Upload(base, r.FormValue("path"), files, s.CompressionLevel))
}

// readUpload parses the multipart body and opens every "file" part.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]storage.Incoming, func(), bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid upload"})
		return nil, nil, false
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
		return nil, nil, false
	}

	var opened []multipart.File
	cleanup := func() {
		for _, f := range opened {
			_ = f.Close()
		}
		_ = r.MultipartForm.RemoveAll()
	}
	files := make([]storage.Incoming, 0, len(headers))
	for _, hdr := range headers {
		f, err := hdr.Open()
		if err != nil {
			cleanup()
			s.writeError(w, err)
			return nil, nil, false
		}
		opened = append(opened, f)
		files = append(files, storage.Incoming{Name: path.Base(strings.ReplaceAll(hdr.Filename, "\\", "/")), Body: f})
	}
	return files, cleanup, true
}

func (s *Server) writeUploadResults(w http.ResponseWriter, results []apperr.Result) {
	out := make([]resultBody, len(results))
	status := http.StatusOK
	anyOK := false
	for i, res := range results {
		out[i] = resultBody{OK: res.OK, Message: res.Message}
		if res.OK {
			anyOK = true
		} else if status == http.StatusOK {
			status = statusFor(res.Err)
		}
	}
	if anyOK {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"results": out})
}

// withFileRequest decodes a mutation body and resolves its base.
func (s *Server) withFileRequest(w http.ResponseWriter, r *http.Request) (fileRequest, string, bool) {
	var req fileRequest
	if !decodeJSON(w, r, &req) {
		return req, "", false
	}
	base, res, ok := s.baseFor(sessionFrom(r), req.Public)
	if !ok {
		s.writeResult(w, res)
		return req, "", false
	}
	return req, base, true
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, base, ok := s.withFileRequest(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.Store.Delete(r.Context(), base, req.Path))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	req, base, ok := s.withFileRequest(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.Store.Rename(r.Context(), base, req.Path, req.Name))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	req, base, ok := s.withFileRequest(w, r)
	if !ok {
		return
	}
	toBase, res, ok := s.baseFor(sessionFrom(r), req.ToPublic)
	if !ok {
		s.writeResult(w, res)
		return
	}
	s.writeResult(w, s.Store.Move(r.Context(), base, toBase, req.Path, req.To))
}

func (s *Server) handleNewFolder(w http.ResponseWriter, r *http.Request) {
	req, base, ok := s.withFileRequest(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.Store.NewFolder(base, req.Path, req.Name))
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "\"", "")
}
